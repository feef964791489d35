package lobby

import (
	"hash/fnv"

	"github.com/google/uuid"
)

var (
	nameAdjectives = []string{
		"Ancient", "Bold", "Crimson", "Distant", "Eternal", "Frozen", "Golden", "Hidden",
		"Iron", "Jade", "Lost", "Mighty", "Northern", "Obsidian", "Proud", "Quiet",
		"Roaring", "Silent", "Twin", "Verdant", "Wild",
	}
	nameNouns = []string{
		"Archipelago", "Basin", "Cliffs", "Delta", "Empire", "Fjord", "Grove", "Highlands",
		"Isles", "Jungle", "Kingdom", "Lagoon", "Mesa", "Oasis", "Peaks", "Reef",
		"Steppe", "Tundra", "Valley", "Wastes",
	}
)

// Name derives the display name of a lobby from its id. The same id always yields the
// same name.
func Name(id uuid.UUID) string {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	sum := h.Sum64()
	adj := nameAdjectives[sum%uint64(len(nameAdjectives))]
	noun := nameNouns[(sum/uint64(len(nameAdjectives)))%uint64(len(nameNouns))]
	return adj + " " + noun
}
