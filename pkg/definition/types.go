package definition

// Definition is the root object of a pipeline.yaml file.
type Definition struct {
	APIVersion string   `yaml:"apiVersion" mapstructure:"apiVersion" validate:"required"`
	Kind       string   `yaml:"kind" mapstructure:"kind" validate:"required,eq=Pipeline"`
	Metadata   Metadata `yaml:"metadata" mapstructure:"metadata" validate:"required"`
	Spec       Spec     `yaml:"spec" mapstructure:"spec" validate:"required"`
}

// Metadata contains pipeline-level metadata.
type Metadata struct {
	Name        string            `yaml:"name" mapstructure:"name" validate:"required"`
	Description string            `yaml:"description" mapstructure:"description"`
	Labels      map[string]string `yaml:"labels,omitempty" mapstructure:"labels"`
}

// Spec describes how the test environment is built and run.
type Spec struct {
	Engine  string            `yaml:"engine" mapstructure:"engine" validate:"required,oneof=dagger docker host"`
	Image   string            `yaml:"image" mapstructure:"image" validate:"required"`
	Workdir string            `yaml:"workdir" mapstructure:"workdir" validate:"required,startswith=/"`
	Env     map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Timeout string            `yaml:"timeout,omitempty" mapstructure:"timeout" validate:"omitempty,duration"`
	Source  Source            `yaml:"source" mapstructure:"source" validate:"required"`
	Cache   Cache             `yaml:"cache" mapstructure:"cache" validate:"required"`
	Restore Restore           `yaml:"restore" mapstructure:"restore" validate:"required"`
	Test    Test              `yaml:"test" mapstructure:"test" validate:"required"`
	Output  Output            `yaml:"output" mapstructure:"output" validate:"required"`
	Report  Report            `yaml:"report,omitempty" mapstructure:"report"`
}

// Source is the host directory materialized into the container.
type Source struct {
	Path    string   `yaml:"path" mapstructure:"path" validate:"required"`
	Exclude []string `yaml:"exclude,omitempty" mapstructure:"exclude"`
}

// Cache is the named cache volume mounted for dependency restore.
type Cache struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// Restore is the dependency restore step. Its failure is fatal.
type Restore struct {
	Command []string `yaml:"command" mapstructure:"command" validate:"required,min=1"`
}

// Test is the test step. It runs through the best-effort wrapper so results
// are exported even when tests fail.
type Test struct {
	Command    []string          `yaml:"command" mapstructure:"command" validate:"required,min=1"`
	ResultsDir string            `yaml:"resultsDir" mapstructure:"resultsDir" validate:"required,startswith=/"`
	Env        map[string]string `yaml:"env,omitempty" mapstructure:"env"`
}

// Output is where artifacts land on the host.
type Output struct {
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
}

// Report configures external status reporting.
type Report struct {
	GitLab *GitLabReport `yaml:"gitlab,omitempty" mapstructure:"gitlab"`
}

// GitLabReport publishes a commit status for the tested revision.
type GitLabReport struct {
	URL      string `yaml:"url" mapstructure:"url" validate:"required,url"`
	Project  string `yaml:"project" mapstructure:"project" validate:"required"`
	TokenEnv string `yaml:"tokenEnv" mapstructure:"tokenEnv"`
	Name     string `yaml:"name" mapstructure:"name"`
}
