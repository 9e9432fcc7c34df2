package main

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestMain lets the test binary stand in for pgsync inside scripts.
func TestMain(m *testing.M) {
	if os.Getenv("RUN_PGSYNC_MAIN") == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestScripts(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to locate test binary: %v", err)
	}

	engine := &script.Engine{
		Cmds:  scripttest.DefaultCmds(),
		Conds: scripttest.DefaultConds(),
	}
	engine.Cmds["pgsync"] = script.Program(exe, func(cmd *exec.Cmd) error {
		return cmd.Process.Signal(os.Interrupt)
	}, time.Second)

	env := []string{
		"RUN_PGSYNC_MAIN=1",
		"NO_COLOR=1",
		"HOME=" + t.TempDir(),
		"PATH=" + os.Getenv("PATH"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	scripttest.Test(t, ctx, engine, env, "testdata/script/*.txt")
}
