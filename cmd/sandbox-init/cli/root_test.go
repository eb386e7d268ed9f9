package cli

import (
	"reflect"
	"testing"
)

func TestFlagParsingStopsAtForegroundCommand(t *testing.T) {
	fs := rootCmd.Flags()
	defer fs.Set("strict", "false")

	// The foreground command's own flags must pass through verbatim.
	if err := fs.Parse([]string{"--strict", "python", "--port", "8000"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !strict {
		t.Error("--strict not parsed")
	}
	want := []string{"python", "--port", "8000"}
	if got := fs.Args(); !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}
