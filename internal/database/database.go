// Package database implements the MAP-Elites program archive: islands of
// residents keyed by feature-coordinate cell, a bounded cross-island elite
// archive, and checkpoint persistence, per spec.md §4.4. It follows the
// mutex-guarded in-memory store idiom of the teacher's
// internal/evolve.InMemoryDB, generalized to feature binning and islands.
package database

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/evocore/evocore/internal/evoerrors"
	"github.com/evocore/evocore/internal/types"
	"github.com/evocore/evocore/internal/util"
)

// Strategy selects how sampleFromIsland picks a parent.
type Strategy string

const (
	StrategyExplore  Strategy = "explore"
	StrategyExploit  Strategy = "exploit"
	StrategyWeighted Strategy = "weighted"
)

// Config carries the subset of config.DatabaseConfig the database needs,
// kept here to avoid an import of internal/config from the data layer.
type Config struct {
	PopulationSize         int
	ArchiveSize            int
	NumIslands             int
	FeatureDimensions      []string
	Bins                   func(dim string) int
	DiversityReferenceSize int
	MigrationInterval      int
	MigrationRate          float64
	RandomSeed             *int64
}

// Database is the program population: an id->program map, per-island
// residency and cell occupancy, a bounded archive, and running feature
// dimension statistics.
type Database struct {
	mu sync.Mutex

	cfg Config
	log zerolog.Logger
	rng *rand.Rand

	programs map[string]*types.Program
	islands  []*types.Island

	archive     []string // ordered, not sorted; membership is what matters
	archiveSet  map[string]bool

	stats map[string]*types.DimensionStats

	bestID        string
	lastMigration int

	diversityRef []string // recent program ids, capped at DiversityReferenceSize
}

// New builds an empty Database with numIslands empty islands.
func New(cfg Config, log zerolog.Logger) *Database {
	if cfg.NumIslands <= 0 {
		cfg.NumIslands = 1
	}
	seed := int64(1)
	if cfg.RandomSeed != nil {
		seed = *cfg.RandomSeed
	}
	islands := make([]*types.Island, cfg.NumIslands)
	for i := range islands {
		islands[i] = types.NewIsland(i)
	}
	return &Database{
		cfg:        cfg,
		log:        log,
		rng:        rand.New(rand.NewSource(seed)),
		programs:   make(map[string]*types.Program),
		islands:    islands,
		archiveSet: make(map[string]bool),
		stats:      make(map[string]*types.DimensionStats),
	}
}

// Get returns a program by id.
func (d *Database) Get(id string) (*types.Program, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[id]
	return p, ok
}

// BestID returns the id of the globally best program seen so far.
func (d *Database) BestID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bestID
}

// Size returns the number of tracked programs.
func (d *Database) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.programs)
}

// NumIslands returns the number of islands, for checkpointing and
// introspection.
func (d *Database) NumIslands() int {
	return len(d.islands)
}

// Add inserts program into the population. targetIsland, if >= 0, takes
// precedence over the parent's island; with neither, island 0 is used.
func (d *Database) Add(program *types.Program, iteration int, targetIsland int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	program.Iteration = iteration
	d.programs[program.ID] = program

	island := d.resolveIsland(program, targetIsland)
	program.Metadata = ensureMetadata(program.Metadata)
	program.Metadata["island"] = island

	coord := d.featureCoord(program)
	key := joinCoord(coord)

	isl := d.islands[island]
	if existingID, ok := isl.Cells[key]; ok {
		existing := d.programs[existingID]
		if program.Fitness(d.featureDimSet()) > existing.Fitness(d.featureDimSet()) {
			isl.Cells[key] = program.ID
			delete(isl.Residents, existingID)
			isl.Residents[program.ID] = true
			if d.archiveSet[existingID] {
				d.swapArchive(existingID, program.ID)
			}
		}
	} else {
		isl.Cells[key] = program.ID
		isl.Residents[program.ID] = true
	}

	d.updateArchive(program)
	d.enforcePopulationLimit(program.ID)
	d.updateBest(program, isl)
	d.pushDiversityRef(program.ID)
}

func ensureMetadata(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}

// resolveIsland picks explicit > parent's island > 0, modulo numIslands.
func (d *Database) resolveIsland(program *types.Program, targetIsland int) int {
	n := len(d.islands)
	if targetIsland >= 0 {
		return targetIsland % n
	}
	if program.ParentID != "" {
		if parent, ok := d.programs[program.ParentID]; ok {
			if v, ok := parent.Metadata["island"].(int); ok {
				return v % n
			}
		}
	}
	return 0
}

func (d *Database) featureDimSet() map[string]bool {
	out := make(map[string]bool, len(d.cfg.FeatureDimensions))
	for _, dim := range d.cfg.FeatureDimensions {
		out[dim] = true
	}
	return out
}

// featureCoord computes the per-dimension bin index for program, updating
// running min/max stats for each dimension along the way.
func (d *Database) featureCoord(program *types.Program) types.FeatureCoord {
	coord := make(types.FeatureCoord, len(d.cfg.FeatureDimensions))
	for i, dim := range d.cfg.FeatureDimensions {
		v := d.dimensionValue(program, dim)
		st, ok := d.stats[dim]
		if !ok {
			st = &types.DimensionStats{}
			d.stats[dim] = st
		}
		st.Update(v)
		bins := 10
		if d.cfg.Bins != nil {
			bins = d.cfg.Bins(dim)
		}
		coord[i] = st.Bin(v, bins)
	}
	return coord
}

func (d *Database) dimensionValue(program *types.Program, dim string) float64 {
	switch dim {
	case "complexity":
		return float64(len(program.Code))
	case "diversity":
		return d.meanEditDistanceToReference(program.Code)
	case "score":
		return program.Fitness(d.featureDimSet())
	default:
		return program.Metrics[dim]
	}
}

func (d *Database) meanEditDistanceToReference(code string) float64 {
	if len(d.diversityRef) == 0 {
		return 0
	}
	sum := 0
	n := 0
	for _, id := range d.diversityRef {
		other, ok := d.programs[id]
		if !ok {
			continue
		}
		sum += util.EditDistance(code, other.Code)
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func (d *Database) pushDiversityRef(id string) {
	d.diversityRef = append(d.diversityRef, id)
	limit := d.cfg.DiversityReferenceSize
	if limit <= 0 {
		limit = 25
	}
	if len(d.diversityRef) > limit {
		d.diversityRef = d.diversityRef[len(d.diversityRef)-limit:]
	}
}

func joinCoord(c types.FeatureCoord) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// updateArchive adds program if the archive is under capacity, else evicts
// the worst archive member iff program is strictly better.
func (d *Database) updateArchive(program *types.Program) {
	limit := d.cfg.ArchiveSize
	if limit <= 0 {
		limit = 100
	}
	if len(d.archive) < limit {
		d.archive = append(d.archive, program.ID)
		d.archiveSet[program.ID] = true
		return
	}
	worstIdx, worstFitness := -1, 0.0
	for i, id := range d.archive {
		p := d.programs[id]
		f := p.Fitness(d.featureDimSet())
		if worstIdx == -1 || f < worstFitness {
			worstIdx, worstFitness = i, f
		}
	}
	if worstIdx >= 0 && program.Fitness(d.featureDimSet()) > worstFitness {
		evicted := d.archive[worstIdx]
		delete(d.archiveSet, evicted)
		d.archive[worstIdx] = program.ID
		d.archiveSet[program.ID] = true
	}
}

func (d *Database) swapArchive(oldID, newID string) {
	for i, id := range d.archive {
		if id == oldID {
			d.archive[i] = newID
			delete(d.archiveSet, oldID)
			d.archiveSet[newID] = true
			return
		}
	}
}

// enforcePopulationLimit drops the lowest-fitness program other than keepID
// while the population exceeds PopulationSize.
func (d *Database) enforcePopulationLimit(keepID string) {
	limit := d.cfg.PopulationSize
	if limit <= 0 {
		return
	}
	for len(d.programs) > limit {
		worstID, worstFitness := "", 0.0
		found := false
		for id, p := range d.programs {
			if id == keepID {
				continue
			}
			f := p.Fitness(d.featureDimSet())
			if !found || f < worstFitness {
				worstID, worstFitness, found = id, f, true
			}
		}
		if !found {
			return
		}
		d.removeProgram(worstID)
	}
}

func (d *Database) removeProgram(id string) {
	delete(d.programs, id)
	delete(d.archiveSet, id)
	for i, aid := range d.archive {
		if aid == id {
			d.archive = append(d.archive[:i], d.archive[i+1:]...)
			break
		}
	}
	for _, isl := range d.islands {
		delete(isl.Residents, id)
		for k, v := range isl.Cells {
			if v == id {
				delete(isl.Cells, k)
			}
		}
		if isl.BestID == id {
			isl.BestID = ""
		}
	}
	if d.bestID == id {
		d.bestID = ""
	}
}

func (d *Database) updateBest(program *types.Program, isl *types.Island) {
	fit := program.Fitness(d.featureDimSet())
	if isl.BestID == "" || fit > d.programs[isl.BestID].Fitness(d.featureDimSet()) {
		isl.BestID = program.ID
	}
	if d.bestID == "" || fit > d.programs[d.bestID].Fitness(d.featureDimSet()) {
		d.bestID = program.ID
	}
}

// SampleFromIsland picks a parent from islandID's residents by strategy and
// returns up to numInspirations other residents sampled without replacement.
func (d *Database) SampleFromIsland(islandID int, numInspirations int, strategy Strategy) (*types.Program, []*types.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if islandID < 0 || islandID >= len(d.islands) {
		islandID = 0
	}
	isl := d.islands[islandID]
	if len(isl.Residents) == 0 {
		return nil, nil, evoerrors.ErrEmptyIsland
	}

	residentIDs := make([]string, 0, len(isl.Residents))
	for id := range isl.Residents {
		residentIDs = append(residentIDs, id)
	}

	parent := d.pickParent(residentIDs, strategy)

	pool := make([]string, 0, len(residentIDs))
	for _, id := range residentIDs {
		if id != parent.ID {
			pool = append(pool, id)
		}
	}
	d.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if numInspirations > len(pool) {
		numInspirations = len(pool)
	}
	inspirations := make([]*types.Program, 0, numInspirations)
	for i := 0; i < numInspirations; i++ {
		inspirations = append(inspirations, d.programs[pool[i]])
	}

	return parent, inspirations, nil
}

func (d *Database) pickParent(residentIDs []string, strategy Strategy) *types.Program {
	switch strategy {
	case StrategyExploit:
		archiveOnIsland := make([]string, 0)
		onIsland := make(map[string]bool, len(residentIDs))
		for _, id := range residentIDs {
			onIsland[id] = true
		}
		for _, id := range d.archive {
			if onIsland[id] {
				archiveOnIsland = append(archiveOnIsland, id)
			}
		}
		if len(archiveOnIsland) == 0 {
			return d.programs[residentIDs[d.rng.Intn(len(residentIDs))]]
		}
		return d.programs[archiveOnIsland[d.rng.Intn(len(archiveOnIsland))]]
	case StrategyWeighted:
		return d.weightedPick(residentIDs)
	default: // StrategyExplore
		return d.programs[residentIDs[d.rng.Intn(len(residentIDs))]]
	}
}

func (d *Database) weightedPick(residentIDs []string) *types.Program {
	total := 0.0
	fitnesses := make([]float64, len(residentIDs))
	for i, id := range residentIDs {
		f := d.programs[id].Fitness(d.featureDimSet())
		if f < 0 {
			f = 0
		}
		fitnesses[i] = f
		total += f
	}
	if total <= 0 {
		return d.programs[residentIDs[d.rng.Intn(len(residentIDs))]]
	}
	r := d.rng.Float64() * total
	running := 0.0
	for i, f := range fitnesses {
		running += f
		if r <= running {
			return d.programs[residentIDs[i]]
		}
	}
	return d.programs[residentIDs[len(residentIDs)-1]]
}

// ShouldMigrate reports whether every island has advanced at least
// migrationInterval generations since the last migration.
func (d *Database) ShouldMigrate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.islands) < 2 {
		return false
	}
	minGen := d.islands[0].Generation
	for _, isl := range d.islands[1:] {
		if isl.Generation < minGen {
			minGen = isl.Generation
		}
	}
	interval := d.cfg.MigrationInterval
	if interval <= 0 {
		interval = 1
	}
	return minGen-d.lastMigration >= interval
}

// Migrate copies the top-K residents of each island to the next island
// (i+1 mod n) under fresh identifiers, then advances the migration counter.
func (d *Database) Migrate(newID func() string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.islands)
	if n < 2 {
		return
	}
	rate := d.cfg.MigrationRate
	if rate <= 0 {
		rate = 0.1
	}
	k := int(float64(d.cfg.PopulationSize) * rate)
	if k <= 0 {
		k = 1
	}

	type migrant struct {
		source *types.Program
		target int
	}
	var migrants []migrant

	for i, isl := range d.islands {
		ids := make([]string, 0, len(isl.Residents))
		for id := range isl.Residents {
			ids = append(ids, id)
		}
		sortByFitnessDesc(ids, d.programs, d.featureDimSet())
		if k < len(ids) {
			ids = ids[:k]
		}
		target := (i + 1) % n
		for _, id := range ids {
			migrants = append(migrants, migrant{source: d.programs[id], target: target})
		}
	}

	for _, m := range migrants {
		clone := m.source.Clone()
		clone.ID = newID()
		clone.ParentID = m.source.ID
		clone.Metadata = ensureMetadata(cloneAny(m.source.Metadata))
		clone.Metadata["island"] = m.target
		d.programs[clone.ID] = &clone

		isl := d.islands[m.target]
		coord := d.featureCoord(&clone)
		key := joinCoord(coord)
		if _, ok := isl.Cells[key]; !ok {
			isl.Cells[key] = clone.ID
		}
		isl.Residents[clone.ID] = true
	}

	minGen := d.islands[0].Generation
	for _, isl := range d.islands[1:] {
		if isl.Generation < minGen {
			minGen = isl.Generation
		}
	}
	d.lastMigration = minGen
}

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortByFitnessDesc(ids []string, programs map[string]*types.Program, featureDims map[string]bool) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0; j-- {
			if programs[ids[j]].Fitness(featureDims) > programs[ids[j-1]].Fitness(featureDims) {
				ids[j], ids[j-1] = ids[j-1], ids[j]
			} else {
				break
			}
		}
	}
}

// AdvanceGeneration bumps an island's generation counter, called by the
// controller after each child or offspring added to that island, whether or
// not it became a cell resident.
func (d *Database) AdvanceGeneration(islandID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if islandID >= 0 && islandID < len(d.islands) {
		d.islands[islandID].Generation++
	}
}

// IslandGeneration returns the current generation counter for an island.
func (d *Database) IslandGeneration(islandID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if islandID < 0 || islandID >= len(d.islands) {
		return 0
	}
	return d.islands[islandID].Generation
}

// IslandBestFitness returns the fitness of islandID's best resident, or 0 if
// the island has no resident yet.
func (d *Database) IslandBestFitness(islandID int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if islandID < 0 || islandID >= len(d.islands) {
		return 0
	}
	isl := d.islands[islandID]
	if isl.BestID == "" {
		return 0
	}
	program, ok := d.programs[isl.BestID]
	if !ok {
		return 0
	}
	return program.Fitness(d.featureDimSet())
}
