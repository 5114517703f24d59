package main

import (
	"fmt"

	"github.com/spf13/cobra"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// Exit codes.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeConfig means the configuration could not be loaded or is
	// invalid.
	ExitCodeConfig = 2
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nest-gateway",
		Short: "Confidential-client DPoP gateway",
		Long: `nest-gateway holds OAuth credentials on behalf of browser sessions,
keeps them fresh and forwards requests to each session's origin with a
DPoP proof attached.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "nest-gateway version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newKeygenCmd())
	return root
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitCodeSuccess
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	if e, ok := sserr.AsError(err); ok {
		switch e.Code.Category() {
		case "VAL":
			return ExitCodeConfig
		case "INT":
			if e.Code == sserr.CodeInternalConfiguration {
				return ExitCodeConfig
			}
		}
	}
	return ExitCodeError
}
