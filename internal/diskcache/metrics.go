package diskcache

// Metrics receives cache events. Implementations must be safe for concurrent
// use. A nil Metrics in Config selects a no-op implementation.
type Metrics interface {
	// ObserveClassify records one classification outcome.
	ObserveClassify(result Result)
	// AddPopulatedBytes counts bytes appended to blobs.
	AddPopulatedBytes(n int)
	// ObservePopulation records how a population ended: "finished" or
	// "aborted".
	ObservePopulation(outcome string)
	// ObserveSweep records the records and orphan blobs removed by a sweep.
	ObserveSweep(pending, orphans int)
}

// Population outcomes passed to Metrics.ObservePopulation.
const (
	OutcomeFinished = "finished"
	OutcomeAborted  = "aborted"
)

type noopMetrics struct{}

func (noopMetrics) ObserveClassify(Result)   {}
func (noopMetrics) AddPopulatedBytes(int)    {}
func (noopMetrics) ObservePopulation(string) {}
func (noopMetrics) ObserveSweep(int, int)    {}
