package shell

// Hook is a configured command with ${name} placeholders in its argv,
// working directory and environment values.
type Hook struct {
	Command    []string          `mapstructure:"command"`
	Dir        string            `mapstructure:"dir"`
	Env        map[string]string `mapstructure:"env"`
	Privileged bool              `mapstructure:"sudo"`
}

// Empty reports whether the hook has no command configured.
func (h Hook) Empty() bool {
	_, ok := FromArgv(h.Command)
	return !ok
}

// Build expands placeholders with vars and returns the command to run.
func (h Hook) Build(vars map[string]string) (Command, bool) {
	cmd, ok := FromArgv(Expand(h.Command, vars))
	if !ok {
		return Command{}, false
	}
	if h.Dir != "" {
		cmd = cmd.In(Expand([]string{h.Dir}, vars)[0])
	}
	for k, v := range h.Env {
		cmd = cmd.WithEnv(k, Expand([]string{v}, vars)[0])
	}
	return cmd, true
}
