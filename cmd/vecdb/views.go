package main

import (
	"github.com/hupe1980/vecdb"
)

// YAML views of engine types.

type recordView struct {
	ID       uint64         `yaml:"id"`
	Vector   []float32      `yaml:"vector,flow"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

type hitView struct {
	ID       uint64         `yaml:"id"`
	Distance float32        `yaml:"distance"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

type searchView struct {
	Partial bool      `yaml:"partial,omitempty"`
	Hits    []hitView `yaml:"hits"`
}

type segmentView struct {
	ID      uint64 `yaml:"id"`
	Rows    int    `yaml:"rows"`
	Deleted int    `yaml:"deleted"`
	Size    int64  `yaml:"size,omitempty"`
	Level   int    `yaml:"level,omitempty"`
	Index   string `yaml:"index"`
}

type statsView struct {
	Name            string        `yaml:"name"`
	Dim             int           `yaml:"dim"`
	Metric          string        `yaml:"metric"`
	Health          string        `yaml:"health"`
	Rows            int           `yaml:"rows"`
	Deleted         int           `yaml:"deleted"`
	GrowingRows     int           `yaml:"growing_rows"`
	SealedSegments  int           `yaml:"sealed_segments"`
	SealingSegments int           `yaml:"sealing_segments"`
	LastLSN         uint64        `yaml:"last_lsn"`
	MemoryBytes     int64         `yaml:"memory_bytes"`
	Segments        []segmentView `yaml:"segments"`
}

func newStatsView(st vecdb.CollectionStats) statsView {
	v := statsView{
		Name:            st.Name,
		Dim:             st.Dim,
		Metric:          st.Metric,
		Health:          st.Health.String(),
		Rows:            st.Rows,
		Deleted:         st.Deleted,
		GrowingRows:     st.GrowingRows,
		SealedSegments:  st.SealedSegments,
		SealingSegments: st.SealingSegments,
		LastLSN:         st.LastLSN,
		MemoryBytes:     st.MemoryBytes,
		Segments:        make([]segmentView, len(st.Segments)),
	}
	for i, s := range st.Segments {
		v.Segments[i] = segmentView{
			ID:      uint64(s.ID),
			Rows:    s.Rows,
			Deleted: s.Deleted,
			Size:    s.Size,
			Level:   s.Level,
			Index:   s.IndexStatus,
		}
	}
	return v
}
