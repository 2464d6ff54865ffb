package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/evocore/evocore/internal/evoerrors"
	"github.com/evocore/evocore/internal/types"
)

type checkpointMetadata struct {
	LastIteration  int               `json:"lastIteration"`
	BestID         string            `json:"bestId"`
	IslandBestIDs  []string          `json:"islandBestIds"`
	ArchiveIDs     []string          `json:"archiveIds"`
	IslandResidents [][]string       `json:"islandResidents"`
	IslandGens     []int             `json:"islandGenerations"`
	LastMigration  int               `json:"lastMigration"`
}

// Save writes programs.json and metadata.json into dir, recording iteration
// as the checkpoint's lastIteration and overwriting any files of those names
// already there.
func (d *Database) Save(dir string, iteration int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	programs := make([]*types.Program, 0, len(d.programs))
	for _, p := range d.programs {
		programs = append(programs, p)
	}
	programsData, err := json.MarshalIndent(programs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal programs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "programs.json"), programsData, 0o644); err != nil {
		return fmt.Errorf("write programs.json: %w", err)
	}

	meta := checkpointMetadata{
		LastIteration: iteration,
		BestID:        d.bestID,
		ArchiveIDs:    append([]string(nil), d.archive...),
		LastMigration: d.lastMigration,
	}
	for _, isl := range d.islands {
		meta.IslandBestIDs = append(meta.IslandBestIDs, isl.BestID)
		meta.IslandGens = append(meta.IslandGens, isl.Generation)
		residents := make([]string, 0, len(isl.Residents))
		for id := range isl.Residents {
			residents = append(residents, id)
		}
		meta.IslandResidents = append(meta.IslandResidents, residents)
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaData, 0o644); err != nil {
		return fmt.Errorf("write metadata.json: %w", err)
	}
	return nil
}

// Load restores a Database's state from dir's programs.json and
// metadata.json, rebuilding islands, archive, and cells. Returns
// evoerrors.ErrCheckpointMissing if either file is absent.
func Load(dir string, cfg Config, log zerolog.Logger) (*Database, int, error) {
	programsPath := filepath.Join(dir, "programs.json")
	metaPath := filepath.Join(dir, "metadata.json")

	programsData, err := os.ReadFile(programsPath)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", evoerrors.ErrCheckpointMissing, err)
	}
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", evoerrors.ErrCheckpointMissing, err)
	}

	var programs []*types.Program
	if err := json.Unmarshal(programsData, &programs); err != nil {
		return nil, 0, fmt.Errorf("unmarshal programs.json: %w", err)
	}
	var meta checkpointMetadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, 0, fmt.Errorf("unmarshal metadata.json: %w", err)
	}

	d := New(cfg, log)
	for _, p := range programs {
		d.programs[p.ID] = p
	}

	for i, isl := range d.islands {
		if i < len(meta.IslandBestIDs) {
			isl.BestID = meta.IslandBestIDs[i]
		}
		if i < len(meta.IslandGens) {
			isl.Generation = meta.IslandGens[i]
		}
		if i < len(meta.IslandResidents) {
			for _, id := range meta.IslandResidents[i] {
				isl.Residents[id] = true
				if p, ok := d.programs[id]; ok {
					coord := d.featureCoord(p)
					isl.Cells[joinCoord(coord)] = id
				}
			}
		}
	}

	d.archive = append([]string(nil), meta.ArchiveIDs...)
	for _, id := range d.archive {
		d.archiveSet[id] = true
	}
	d.bestID = meta.BestID
	d.lastMigration = meta.LastMigration

	for _, id := range d.diversityRefSeed(programs) {
		d.pushDiversityRef(id)
	}

	return d, meta.LastIteration, nil
}

// diversityRefSeed reseeds the diversity reference window from the most
// recently inserted programs after a checkpoint load.
func (d *Database) diversityRefSeed(programs []*types.Program) []string {
	limit := d.cfg.DiversityReferenceSize
	if limit <= 0 {
		limit = 25
	}
	ordered := append([]*types.Program(nil), programs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Iteration < ordered[j].Iteration })
	out := make([]string, 0, limit)
	start := 0
	if len(ordered) > limit {
		start = len(ordered) - limit
	}
	for _, p := range ordered[start:] {
		out = append(out, p.ID)
	}
	return out
}
