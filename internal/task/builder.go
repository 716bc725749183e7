package task

import "time"

// Params are the parameters shared by every task of one build.
type Params struct {
	StartDate  time.Time
	EndDate    time.Time
	Resolution string
	DataType   string
	Config     map[string]any
}

// Builder turns a symbol list into tasks for one extractor.
type Builder struct {
	extractor       string
	defaultDataType string
	defaultConfig   map[string]any
	newID           func(extractor, symbol string) string
}

// NewBuilder creates a builder for the named extractor.
func NewBuilder(extractor, defaultDataType string, defaultConfig map[string]any) *Builder {
	if defaultDataType == "" {
		defaultDataType = DataTypeOHLCV
	}
	return &Builder{
		extractor:       extractor,
		defaultDataType: defaultDataType,
		defaultConfig:   copyMap(defaultConfig),
		newID:           NewTaskID,
	}
}

// Build creates one task per symbol. Params.Config is merged over the
// extractor's default config; each task gets its own copy.
func (b *Builder) Build(symbols []string, p Params) []ExtractionTask {
	merged := copyMap(b.defaultConfig)
	for k, v := range p.Config {
		merged[k] = v
	}

	dataType := p.DataType
	if dataType == "" {
		dataType = b.defaultDataType
	}
	resolution := p.Resolution
	if resolution == "" {
		resolution = DefaultResolution
	}

	tasks := make([]ExtractionTask, 0, len(symbols))
	for _, symbol := range symbols {
		tasks = append(tasks, New(
			b.newID(b.extractor, symbol),
			symbol,
			dataType,
			p.StartDate,
			p.EndDate,
			resolution,
			merged,
		))
	}
	return tasks
}
