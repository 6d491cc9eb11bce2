package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/osflow/osflow/app/enums"
)

// Config is the workflow request body. It is used for all tasks, each task gets its own subset.
type Config struct {
	// build
	ManifestYML       string   `json:"manifest_yml,omitempty"`
	CustomBuildParams []string `json:"custom_build_params,omitempty"`

	// deploy
	Suffix                 string   `json:"suffix,omitempty"`
	DistributionURL        string   `json:"distribution_url,omitempty"`
	SecurityDisabled       *bool    `json:"security_disabled,omitempty"`
	CPUArch                string   `json:"cpu_arch,omitempty"`
	SingleNodeCluster      *bool    `json:"single_node_cluster,omitempty"`
	DataInstanceType       string   `json:"data_instance_type,omitempty"`
	DataNodeCount          *int     `json:"data_node_count,omitempty"`
	DistVersion            string   `json:"dist_version,omitempty"`
	MinDistribution        *bool    `json:"min_distribution,omitempty"`
	ServerAccessType       string   `json:"server_access_type,omitempty"`
	RestrictServerAccessTo string   `json:"restrict_server_access_to,omitempty"`
	Use50PercentHeap       *bool    `json:"use_50_percent_heap,omitempty"`
	IsInternal             *bool    `json:"is_internal,omitempty"`
	AdminPassword          string   `json:"admin_password,omitempty"`
	CustomDeployParams     []string `json:"custom_deploy_params,omitempty"`

	// benchmark
	ClusterEndpoint       string   `json:"cluster_endpoint,omitempty"`
	WorkloadType          string   `json:"workload_type,omitempty"`
	Pipeline              string   `json:"pipeline,omitempty"`
	CustomBenchmarkParams []string `json:"custom_benchmark_params,omitempty"`

	S3Bucket string `json:"s3_bucket,omitempty"`
}

// Validate checks that the config has everything required by the selected tasks.
// Fields produced by a preceding task (distribution url by build, cluster endpoint by deploy) may be omitted.
func (c Config) Validate(tasks []enums.TaskName) error {
	if len(tasks) == 0 {
		return errors.New("at least one operation must be specified: build, deploy, or benchmark")
	}
	enabled := map[enums.TaskName]bool{}
	for _, t := range tasks {
		enabled[t] = true
	}
	build, deploy, benchmark := enabled[enums.TaskNameBuild], enabled[enums.TaskNameDeploy], enabled[enums.TaskNameBenchmark]

	if build && c.ManifestYML == "" {
		return errors.New("manifest_yml is required when build=true")
	}
	if deploy && c.DistributionURL == "" && !build {
		return errors.New("distribution_url is required when deploy=true (unless build=true)")
	}
	if benchmark && c.ClusterEndpoint == "" && !deploy {
		return errors.New("cluster_endpoint is required when benchmark=true (unless deploy=true)")
	}
	if benchmark && c.WorkloadType == "" {
		return errors.New("workload_type is required when benchmark=true")
	}
	return nil
}

// WithDefaults returns copy of the config with unset deploy and benchmark options filled by defaults
func (c Config) WithDefaults() Config {
	boolPtr := func(v bool) *bool { return &v }
	if c.SecurityDisabled == nil {
		c.SecurityDisabled = boolPtr(true)
	}
	if c.CPUArch == "" {
		c.CPUArch = "arm64"
	}
	if c.SingleNodeCluster == nil {
		c.SingleNodeCluster = boolPtr(false)
	}
	if c.DataInstanceType == "" {
		c.DataInstanceType = "r6g.2xlarge"
	}
	if c.DataNodeCount == nil {
		n := 3
		c.DataNodeCount = &n
	}
	if c.DistVersion == "" {
		c.DistVersion = "3.0.0"
	}
	if c.MinDistribution == nil {
		c.MinDistribution = boolPtr(false)
	}
	if c.Use50PercentHeap == nil {
		c.Use50PercentHeap = boolPtr(true)
	}
	if c.IsInternal == nil {
		c.IsInternal = boolPtr(false)
	}
	if c.Pipeline == "" {
		c.Pipeline = "benchmark-only"
	}
	return c
}

// Redacted returns config json safe to persist, secrets removed
func (c Config) Redacted() (json.RawMessage, error) {
	c.AdminPassword = ""
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("can't marshal workflow config: %w", err)
	}
	return data, nil
}

// TaskInput returns the part of config passed to the executor of the task
func (c Config) TaskInput(task enums.TaskName) map[string]any {
	res := map[string]any{}
	set := func(key string, val any) {
		switch v := val.(type) {
		case string:
			if v == "" {
				return
			}
		case []string:
			if len(v) == 0 {
				return
			}
		case *bool:
			if v == nil {
				return
			}
			val = *v
		case *int:
			if v == nil {
				return
			}
			val = *v
		}
		res[key] = val
	}

	set("s3_bucket", c.S3Bucket)
	switch task {
	case enums.TaskNameBuild:
		set("manifest_yml", c.ManifestYML)
		set("custom_build_params", c.CustomBuildParams)
	case enums.TaskNameDeploy:
		set("suffix", c.Suffix)
		set("distribution_url", c.DistributionURL)
		set("security_disabled", c.SecurityDisabled)
		set("cpu_arch", c.CPUArch)
		set("single_node_cluster", c.SingleNodeCluster)
		set("data_instance_type", c.DataInstanceType)
		set("data_node_count", c.DataNodeCount)
		set("dist_version", c.DistVersion)
		set("min_distribution", c.MinDistribution)
		set("server_access_type", c.ServerAccessType)
		set("restrict_server_access_to", c.RestrictServerAccessTo)
		set("use_50_percent_heap", c.Use50PercentHeap)
		set("is_internal", c.IsInternal)
		set("admin_password", c.AdminPassword)
		set("custom_deploy_params", c.CustomDeployParams)
	case enums.TaskNameBenchmark:
		set("cluster_endpoint", c.ClusterEndpoint)
		set("workload_type", c.WorkloadType)
		set("pipeline", c.Pipeline)
		set("custom_benchmark_params", c.CustomBenchmarkParams)
	}
	return res
}
