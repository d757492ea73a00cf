// Package types holds the shared error taxonomy for the automation engine.
//
// Failures are always rolled up as a status plus message at the owning
// layer (task, hypothesis, experiment); the structured Error here carries
// the code and cause between layers before that rollup happens.
package types
