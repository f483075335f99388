/*
Package config loads Steward's runtime configuration.

A single yaml file (default /etc/steward/config.yaml) is overlaid on built-in
defaults and validated into a Runtime value: install root, modules root,
backups root, staging directory, log/lock/journal paths, and the upstream
repository coordinates. The Runtime is passed explicitly to every component
constructor.
*/
package config
