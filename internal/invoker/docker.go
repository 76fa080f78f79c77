package invoker

import (
	"maps"
	"slices"
	"strconv"

	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// ContainerArtifactDir is where the artifact directory is mounted inside
// docker agents.
const ContainerArtifactDir = "/artifacts"

// hostOnlyEnv are context variables that describe the host and would break
// a container's own environment.
var hostOnlyEnv = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {}, "TMPDIR": {}, "SYSTEMROOT": {},
}

func dockerBinary(cfg *transport.Config) string {
	if cfg.Params.DockerBinary != "" {
		return cfg.Params.DockerBinary
	}
	return "docker"
}

// DockerArgs builds the docker CLI arguments for a containerized agent:
//
//	run --rm [--memory M] [--cpus C] [--network N] -e K=V... -v H:C... -v {artifacts}:/artifacts -i IMAGE [COMMAND ARGS...]
//
// Memory and CPUs default from the context limits.
func DockerArgs(cfg *transport.Config, ec *execctx.Context) []string {
	p := cfg.Params
	args := []string{"run", "--rm"}

	memory := p.Memory
	if memory == "" && ec.Limits.MemoryMB > 0 {
		memory = strconv.Itoa(ec.Limits.MemoryMB) + "m"
	}
	if memory != "" {
		args = append(args, "--memory", memory)
	}

	cpus := p.CPUs
	if cpus == "" && ec.Limits.CPUPercent > 0 {
		cpus = strconv.FormatFloat(float64(ec.Limits.CPUPercent)/100, 'f', -1, 64)
	}
	if cpus != "" {
		args = append(args, "--cpus", cpus)
	}

	if p.Network != "" {
		args = append(args, "--network", p.Network)
	}

	env := make(map[string]string, len(ec.Environment)+len(p.Env))
	for k, v := range ec.Environment {
		if _, skip := hostOnlyEnv[k]; !skip {
			env[k] = v
		}
	}
	env["ARTIFACT_DIR"] = ContainerArtifactDir
	for k, v := range p.Env {
		env[k] = v
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}

	for _, vol := range p.Volumes {
		args = append(args, "-v", vol)
	}
	args = append(args, "-v", ec.Paths.Artifacts+":"+ContainerArtifactDir)

	args = append(args, "-i", p.Image)
	if p.Command != "" {
		args = append(args, p.Command)
	}
	return append(args, p.Args...)
}
