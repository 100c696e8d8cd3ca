package builddb

import (
	"github.com/hashicorp/go-memdb"
)

const (
	buildsTable        = "builds"
	pendingBuildsTable = "pending_builds"
	runningBuildsTable = "running_builds"
	projectsTable      = "projects"
	namespacesTable    = "namespaces"
	taggingsTable      = "taggings"

	idIndex         = "id"          // primary key
	projectIndex    = "project"     // rows belonging to a project
	buildIndex      = "build"       // taggings of a build
	runnerTypeIndex = "runner_type" // running builds by the type of runner executing them
)

// buildDbSchema creates the database schema.
// Every table is keyed by an int64 id; secondary indexes support the lookups made on the dispatch path.
// All lookups must pass arguments of the same kind as the indexed field (int64 for ids, model.RunnerType for
// runner types) since go-memdb encodes integers by the size of their kind.
func buildDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			buildsTable: {
				Name: buildsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
				},
			},
			pendingBuildsTable: {
				Name: pendingBuildsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "BuildID"},
					},
					projectIndex: {
						Name:    projectIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "ProjectID"},
					},
				},
			},
			runningBuildsTable: {
				Name: runningBuildsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "BuildID"},
					},
					runnerTypeIndex: {
						Name:    runnerTypeIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "RunnerType"},
					},
				},
			},
			projectsTable: {
				Name: projectsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
				},
			},
			namespacesTable: {
				Name: namespacesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
				},
			},
			taggingsTable: {
				Name: taggingsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:   idIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.IntFieldIndex{Field: "BuildID"},
								&memdb.IntFieldIndex{Field: "TagID"},
							},
						},
					},
					buildIndex: {
						Name:    buildIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "BuildID"},
					},
				},
			},
		},
	}
}
