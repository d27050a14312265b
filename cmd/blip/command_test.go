package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs cobra commands end to end against scripts written
// to a temporary directory.
type CommandTestSuite struct {
	suite.Suite
	dir string
}

func (s *CommandTestSuite) SetupTest() {
	s.dir = s.T().TempDir()

	// Flags are package globals and survive between executions.
	checkJSON, checkExercise = false, false
	s.Require().NoError(rootCmd.PersistentFlags().Set("config", ""))
	s.Require().NoError(rootCmd.PersistentFlags().Set("log-level", "error"))
}

// WriteScript stores code as a script file and returns its path.
func (s *CommandTestSuite) WriteScript(name, code string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(code), 0o644), "script MUST be written")
	return path
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
