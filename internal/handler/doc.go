// Package handler defines the capability every topic handler implements and
// the registry that binds topics to handlers, lock durations and variable
// filters before the worker starts polling.
package handler
