package configuration

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/qorix-group/inc-feo/activity"
	"github.com/qorix-group/inc-feo/signalling"
	"github.com/qorix-group/inc-feo/workerpool"
)

// tomlDeployment is the on-disk schema. Array-of-table order is
// preserved, which carries the scheduler's dispatch order.
//
//	bind = "127.0.0.1:8081"
//	cycle_time_ms = 100
//	recorders = [900]
//
//	[[worker]]
//	id = 40
//	agent = 100
//	activities = [0]
//
//	[[dependency]]
//	activity = 2
//	depends_on = [0, 1]
type tomlDeployment struct {
	Bind         string           `toml:"bind"`
	CycleTimeMS  int64            `toml:"cycle_time_ms"`
	Recorders    []uint64         `toml:"recorders"`
	Workers      []tomlWorker     `toml:"worker"`
	Dependencies []tomlDependency `toml:"dependency"`
}

type tomlWorker struct {
	ID         uint64   `toml:"id"`
	Agent      uint64   `toml:"agent"`
	Activities []uint64 `toml:"activities"`
}

type tomlDependency struct {
	Activity  uint64   `toml:"activity"`
	DependsOn []uint64 `toml:"depends_on"`
}

// Load reads and validates a deployment from a TOML file.
func Load(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(`configuration: failed to read deployment: %w`, err)
	}
	return Parse(data)
}

// Parse decodes and validates a deployment from TOML.
func Parse(data []byte) (*Deployment, error) {
	var raw tomlDeployment
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf(`configuration: failed to decode deployment: %w`, err)
	}

	deployment := Deployment{
		Bind:      raw.Bind,
		CycleTime: time.Duration(raw.CycleTimeMS) * time.Millisecond,
	}
	for _, id := range raw.Recorders {
		deployment.Recorders = append(deployment.Recorders, signalling.AgentID(id))
	}
	for _, w := range raw.Workers {
		worker := Worker{
			ID:    workerpool.WorkerID(w.ID),
			Agent: signalling.AgentID(w.Agent),
		}
		for _, id := range w.Activities {
			worker.Activities = append(worker.Activities, activity.ID(id))
		}
		deployment.Workers = append(deployment.Workers, worker)
	}
	for _, d := range raw.Dependencies {
		dependency := Dependency{Activity: activity.ID(d.Activity)}
		for _, id := range d.DependsOn {
			dependency.DependsOn = append(dependency.DependsOn, activity.ID(id))
		}
		deployment.Dependencies = append(deployment.Dependencies, dependency)
	}

	if err := deployment.Validate(); err != nil {
		return nil, err
	}
	return &deployment, nil
}
