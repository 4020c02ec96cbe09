// Package cmd implements the command-line interface for txcore, the
// distributed key-value store's transaction-processing core.
//
// The package is organized into several subpackages:
//
//   - serve: starts and configures the reactor/transaction/batch/UDF server
//   - util: shared help-text formatting for command-line flags (internal use)
//
// See txcore -help for a list of all commands.
package cmd
