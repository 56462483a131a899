package catalog

// Batch is one unit of ingestion: the raw objects extracted from a single
// source, plus the directory their datafiles are read from.
type Batch struct {
	// Source names where the batch came from, usually a manifest path.
	Source string `yaml:"-" json:"source,omitempty"`

	// DataRoot is the directory datafile paths are relative to.
	DataRoot string `yaml:"data_root" json:"data_root"`

	Projects    []*Project    `yaml:"projects,omitempty" json:"projects,omitempty"`
	Experiments []*Experiment `yaml:"experiments,omitempty" json:"experiments,omitempty"`
	Datasets    []*Dataset    `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	Datafiles   []*Datafile   `yaml:"datafiles,omitempty" json:"datafiles,omitempty"`
}

// Levels returns the batch objects grouped by hierarchy level, projects
// first and datafiles last.
func (b *Batch) Levels() [][]Object {
	levels := make([][]Object, 0, len(Hierarchy))
	levels = append(levels, objects(b.Projects))
	levels = append(levels, objects(b.Experiments))
	levels = append(levels, objects(b.Datasets))
	levels = append(levels, objects(b.Datafiles))
	return levels
}

// Len returns the number of objects in the batch.
func (b *Batch) Len() int {
	return len(b.Projects) + len(b.Experiments) + len(b.Datasets) + len(b.Datafiles)
}

func objects[T Object](in []T) []Object {
	out := make([]Object, 0, len(in))
	for _, o := range in {
		out = append(out, o)
	}
	return out
}
