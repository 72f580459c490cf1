// Package commands defines the planetjob CLI.
//
// Commands
//
//   - run (default)  Activate the engine environment and run
//     `manage.py planet --update N` in the site directory
//   - history        Print recent runs from the history database
//   - prune          Delete history older than a cutoff
//   - serve          Serve /health and /runs for monitoring
//   - version        Print the version
//
// # Exit status
//
// A run exits with the exit status of the update command. Setup failures
// (missing site directory, missing conda hook, bad configuration) exit 1
// before the command is started.
//
// # Configuration
//
// Settings come from PLANET_* environment variables, optionally read from a
// .env file, and are overridden by flags. See internal/config.
package commands
