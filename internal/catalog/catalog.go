// Package catalog loads the static room catalogue: a YAML file of named
// initial users, each owning one room.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/relay"
)

// File is the on-disk catalogue layout.
type File struct {
	Users map[string]User `yaml:"users"`
	// URLTemplates overrides the relay URL patterns when set.
	URLTemplates *relay.Templates `yaml:"urlTemplates,omitempty"`
}

// User is an initial account and its room.
type User struct {
	ID       int64     `yaml:"id"`
	Username string    `yaml:"username"`
	Room     RoomEntry `yaml:"liveRoom"`
}

// RoomEntry describes one room as written in the catalogue.
type RoomEntry struct {
	ID           int64  `yaml:"id"`
	Name         string `yaml:"name"`
	Desc         string `yaml:"desc"`
	CoverImage   string `yaml:"coverImg"`
	Weight       int    `yaml:"weight"`
	Transport    string `yaml:"transport"`
	AuthRequired bool   `yaml:"pullIsShouldAuth"`
	LocalFile    string `yaml:"localFile"`
	DevFFmpeg    bool   `yaml:"devFFmpeg"`
	ProdFFmpeg   bool   `yaml:"prodFFmpeg"`
	// Key seeds the room's push key on first start.
	Key       string `yaml:"key"`
	Transcode bool   `yaml:"transcode"`
}

// Catalog is a validated catalogue.
type Catalog struct {
	rooms     []models.Room
	templates *relay.Templates
}

// Load reads and validates the catalogue at path.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read room catalogue: %w", err)
	}
	return Parse(data)
}

// Parse validates a catalogue document.
func Parse(data []byte) (Catalog, error) {
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("decode room catalogue: %w", err)
	}
	if len(file.Users) == 0 {
		return Catalog{}, fmt.Errorf("room catalogue has no users")
	}

	names := make([]string, 0, len(file.Users))
	for name := range file.Users {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[int64]string, len(names))
	rooms := make([]models.Room, 0, len(names))
	for _, name := range names {
		user := file.Users[name]
		room, err := user.room()
		if err != nil {
			return Catalog{}, fmt.Errorf("user %s: %w", name, err)
		}
		if other, dup := seen[room.ID]; dup {
			return Catalog{}, fmt.Errorf("user %s: room %d already used by %s", name, room.ID, other)
		}
		seen[room.ID] = name
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	if file.URLTemplates != nil {
		if err := file.URLTemplates.Validate(); err != nil {
			return Catalog{}, err
		}
	}
	return Catalog{rooms: rooms, templates: file.URLTemplates}, nil
}

func (u User) room() (models.Room, error) {
	entry := u.Room
	if entry.ID <= 0 {
		return models.Room{}, fmt.Errorf("room id must be positive")
	}
	transport, err := models.ParseTransportMode(entry.Transport)
	if err != nil {
		return models.Room{}, err
	}
	return models.Room{
		ID:             entry.ID,
		UserID:         u.ID,
		Name:           strings.TrimSpace(entry.Name),
		Desc:           strings.TrimSpace(entry.Desc),
		CoverImage:     strings.TrimSpace(entry.CoverImage),
		Weight:         entry.Weight,
		TransportMode:  transport,
		AuthRequired:   entry.AuthRequired,
		LocalFile:      strings.TrimSpace(entry.LocalFile),
		ActivateInDev:  entry.DevFFmpeg,
		ActivateInProd: entry.ProdFFmpeg,
		SecretKey:      strings.TrimSpace(entry.Key),
		Transcode:      entry.Transcode,
		Kind:           models.RoomKindSystem,
	}, nil
}

// Rooms returns a copy of the rooms ordered by ID.
func (c Catalog) Rooms() []models.Room {
	return append([]models.Room(nil), c.rooms...)
}

// URLTemplates returns the catalogue's relay templates, if any.
func (c Catalog) URLTemplates() (relay.Templates, bool) {
	if c.templates == nil {
		return relay.Templates{}, false
	}
	return *c.templates, true
}

// RoomSeeder is the store surface Seed needs.
type RoomSeeder interface {
	EnsureRoom(ctx context.Context, room models.Room) error
}

// Seed inserts catalogue rooms that the store does not hold yet.
func Seed(ctx context.Context, store RoomSeeder, rooms []models.Room) error {
	for _, room := range rooms {
		if err := store.EnsureRoom(ctx, room); err != nil {
			return fmt.Errorf("seed room %d: %w", room.ID, err)
		}
	}
	return nil
}
