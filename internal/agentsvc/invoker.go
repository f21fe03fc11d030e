// Package agentsvc implements the agent side of zuri's control plane: the
// MachineSupervisor that owns worker child processes, the
// InvokeService the isolate client talks to, and the run
// directory the two share.
package agentsvc

import "fmt"

// Invoker is the invocation descriptor for one machine: the executable,
// its argv, and its working directory.
//
// Executable may carry the "docker://<image>" pseudo-scheme, in which case
// Supervisor.Spawn runs the workload inside a container via DockerInvoker
// instead of forking a raw child process; every other scheme (or no scheme
// at all) forks Executable directly with os/exec.
type Invoker struct {
	Executable string
	Argv       []string
	Cwd        string
}

func (i Invoker) String() string {
	return fmt.Sprintf("%s %v (cwd=%s)", i.Executable, i.Argv, i.Cwd)
}

// dockerImage returns the image name and true if Executable names a
// "docker://<image>" invocation, false otherwise.
func (i Invoker) dockerImage() (string, bool) {
	const prefix = "docker://"
	if len(i.Executable) > len(prefix) && i.Executable[:len(prefix)] == prefix {
		return i.Executable[len(prefix):], true
	}
	return "", false
}
