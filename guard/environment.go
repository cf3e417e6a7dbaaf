package guard

// Environment is how the hosting process is being run.
type Environment int

const (
	// Standalone is a single long-lived process.
	Standalone Environment = iota
	// PreforkingMaster is a server master that forks workers and serves nothing itself.
	PreforkingMaster
	// PreforkingWorker is a worker spawned by a preforking master.
	PreforkingWorker
	// JobRunner is a background job runner that flushes after each job.
	JobRunner
)

// String returns the human-readable name of the environment.
func (e Environment) String() string {
	switch e {
	case Standalone:
		return "standalone"
	case PreforkingMaster:
		return "preforking master"
	case PreforkingWorker:
		return "preforking worker"
	case JobRunner:
		return "job runner"
	default:
		return "unknown"
	}
}

// ExitHooks runs callbacks when the process terminates normally or on a termination signal.
type ExitHooks interface {
	Name() string
	OnExit(fn func()) error
}

// ForkHost is a preforking server's child-spawned extension point.
type ForkHost interface {
	Name() string
	// IsMaster reports whether this process is the forking master.
	IsMaster() bool
	// IsWorker reports whether this process was spawned by a master.
	IsWorker() bool
	// AfterFork registers fn to run inside each new worker.
	AfterFork(fn func()) error
}

// JobHost is a job runner's after-each-job extension point.
type JobHost interface {
	Name() string
	// AfterPerform registers fn to run once each job body completes.
	AfterPerform(fn func()) error
}

// Detection is the result of classifying the hosting process.
type Detection struct {
	Env      Environment
	ForkHost ForkHost // set for PreforkingMaster and PreforkingWorker
	JobHost  JobHost  // set for JobRunner
}

// Classifier picks the environment from the hosts known to this process.
type Classifier struct {
	forkHosts []ForkHost
	jobHosts  []JobHost
}

// Classify applies the detection order: preforking master, preforking
// worker, job runner, standalone.
func (c *Classifier) Classify() Detection {
	for _, h := range c.forkHosts {
		if h.IsMaster() {
			return Detection{Env: PreforkingMaster, ForkHost: h}
		}
	}
	for _, h := range c.forkHosts {
		if h.IsWorker() {
			return Detection{Env: PreforkingWorker, ForkHost: h}
		}
	}
	if len(c.jobHosts) > 0 {
		return Detection{Env: JobRunner, JobHost: c.jobHosts[0]}
	}
	return Detection{Env: Standalone}
}
