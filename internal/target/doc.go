// Package target contains the FAM host adapters that receive supplied files.
package target
