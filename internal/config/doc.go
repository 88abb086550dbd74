// Package config loads the famsupplyd configuration file and fills in
// defaults relative to the file's directory.
package config
