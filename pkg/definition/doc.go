// Package definition holds the pipeline.yaml schema shared by the loader and
// the pipeline steps.
package definition
