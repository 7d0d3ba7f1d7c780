// Package config provides configuration loading and merging for the
// control plane.
//
// # Configuration Loading
//
// Load implements a priority-ordered merge:
//
//  1. built-in defaults (Default)
//  2. global config (~/.config/agentctl/agentctl.jsonc)
//  3. project config (directory/.agentctl/agentctl.jsonc), when directory != ""
//  4. .env file in the working directory (dev convenience, via godotenv)
//  5. environment variables (AGENTCTL_*)
//
// # Supported Formats
//
// Config files are JSONC by default, stripped of comments with
// tidwall/jsonc before decoding; a .yaml/.yml extension is parsed as YAML.
//
// # Hot Reload
//
// CoreFileGlobs and PrimaryCIPipelines can be edited on disk without a
// restart: Watch installs an fsnotify watcher on the config file and
// refreshes only those two fields in place, leaving the rest of the loaded
// Config untouched.
package config
