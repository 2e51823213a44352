package orchestrator

// StageContext is the Immutable Stage Context (spec §3.6): a typed
// configuration tree plus accreted inputs/outputs/metadata. Stages never
// mutate the context they receive — they call WithOutputs/WithMetadata to
// derive a new value, which becomes the input to the next stage. The
// orchestrator is the sole owner of the chain.
type StageContext struct {
	JobID    string
	Config   map[string]interface{}
	Inputs   map[string]interface{}
	Outputs  map[string]interface{}
	Metadata map[string]interface{}
}

// NewStageContext builds the initial context for a job.
func NewStageContext(jobID string, config map[string]interface{}) StageContext {
	return StageContext{
		JobID:    jobID,
		Config:   config,
		Inputs:   map[string]interface{}{},
		Outputs:  map[string]interface{}{},
		Metadata: map[string]interface{}{},
	}
}

// WithOutputs returns a derived context whose Outputs contain every
// existing entry plus the additions, without mutating the receiver.
func (c StageContext) WithOutputs(additions map[string]interface{}) StageContext {
	merged := make(map[string]interface{}, len(c.Outputs)+len(additions))
	for k, v := range c.Outputs {
		merged[k] = v
	}
	for k, v := range additions {
		merged[k] = v
	}
	next := c
	next.Outputs = merged
	// Outputs of stage A become visible inputs to any stage depending on
	// A; since execution here is a single sequential chain, the simplest
	// correct rule is that everything produced so far is visible to
	// whatever runs next.
	next.Inputs = merged
	return next
}

// WithMetadata returns a derived context with additional metadata merged
// in, same non-mutating discipline as WithOutputs.
func (c StageContext) WithMetadata(additions map[string]interface{}) StageContext {
	merged := make(map[string]interface{}, len(c.Metadata)+len(additions))
	for k, v := range c.Metadata {
		merged[k] = v
	}
	for k, v := range additions {
		merged[k] = v
	}
	next := c
	next.Metadata = merged
	return next
}

// Get reads a value from Inputs (falling back to Outputs, for a context
// that has not yet had WithOutputs called to promote them to Inputs, and
// finally to Config for static job parameters set once at job start).
func (c StageContext) Get(key string) (interface{}, bool) {
	if v, ok := c.Inputs[key]; ok {
		return v, true
	}
	if v, ok := c.Outputs[key]; ok {
		return v, true
	}
	v, ok := c.Config[key]
	return v, ok
}

func (c StageContext) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
