/*
Package systemd captures and restores systemd unit states over D-Bus.

StateManager records each declared service as an {enabled, active} pair at
backup time and drives the unit back to that pair on restore. The Manager
interface exists so tests and non-systemd environments can substitute a fake.
*/
package systemd
