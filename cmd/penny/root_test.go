package penny

import "testing"

func TestNewRootCommandRegistersAllSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "check", "systemd"} {
		if !names[want] {
			t.Errorf("root command missing %q subcommand", want)
		}
	}
}

func TestExecuteReturnsTwoOnUsageError(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"serve"}) // missing required <config> arg
	root.SilenceUsage = true
	root.SilenceErrors = true
	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error for a missing required argument")
	}
	if _, ok := err.(usageError); !ok {
		t.Fatalf("error %v is not a usageError, so Execute would not return 2", err)
	}
}

func TestExecuteReturnsOneOnConfigLoadError(t *testing.T) {
	code := func() int {
		root := newRootCommand()
		root.SetArgs([]string{"check", "/nonexistent/penny.toml"})
		if err := root.Execute(); err != nil {
			if _, ok := err.(usageError); ok {
				return 2
			}
			return 1
		}
		return 0
	}()
	if code != 1 {
		t.Fatalf("Execute-equivalent code = %d, want 1 for a missing config file", code)
	}
}
