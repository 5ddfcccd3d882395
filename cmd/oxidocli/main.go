// Command oxidocli is a small command-line front end over pkg/engine,
// exercising insert/find/compact the way the teacher's own examples/*/main.go
// programs exercise its storage engine, but as real subcommands rather than
// a fixed demo script.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidocli/oxidb/pkg/collection"
	"github.com/oxidocli/oxidb/pkg/docenc"
	"github.com/oxidocli/oxidb/pkg/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dir := fs.String("dir", "./oxidb-data", "database directory")
	coll := fs.String("collection", "", "collection name")
	doc := fs.String("doc", "", "document as JSON")
	query := fs.String("query", "{}", "query as JSON")
	field := fs.String("field", "", "index field path")
	name := fs.String("name", "", "index name")
	fs.Parse(os.Args[2:])

	if *coll == "" && cmd != "help" {
		fmt.Fprintln(os.Stderr, "-collection is required")
		os.Exit(2)
	}

	eng, err := engine.Open(*dir, collection.Config{})
	fatalIf(err)
	defer eng.Close()

	switch cmd {
	case "insert":
		runInsert(eng, *coll, *doc)
	case "find":
		runFind(eng, *coll, *query)
	case "compact":
		runCompact(eng, *coll)
	case "create-index":
		fatalIf(eng.CreateIndex(*coll, *name, *field))
		fmt.Println("index created")
	case "create-unique-index":
		fatalIf(eng.CreateUniqueIndex(*coll, *name, *field))
		fmt.Println("unique index created")
	default:
		usage()
		os.Exit(2)
	}
}

func runInsert(eng *engine.Engine, coll, docJSON string) {
	d, err := docenc.FromJSON(docJSON)
	fatalIf(err)
	id, err := eng.Insert(coll, d)
	fatalIf(err)
	fmt.Printf("inserted id=%d\n", id)
}

func runFind(eng *engine.Engine, coll, queryJSON string) {
	var q bson.D
	fatalIf(bson.UnmarshalExtJSON([]byte(queryJSON), true, &q))
	docs, err := eng.Find(coll, q, engine.FindOptions{})
	fatalIf(err)
	for _, d := range docs {
		s, err := docenc.ToJSON(d)
		fatalIf(err)
		fmt.Println(s)
	}
	fmt.Printf("%d document(s)\n", len(docs))
}

func runCompact(eng *engine.Engine, coll string) {
	stats, err := eng.Compact(coll)
	fatalIf(err)
	fmt.Printf("compacted %q: %d -> %d bytes, %d documents kept\n",
		coll, stats.OldSize, stats.NewSize, stats.DocsKept)
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: oxidocli <command> [flags]

commands:
  insert              -collection NAME -doc JSON
  find                 -collection NAME -query JSON
  compact              -collection NAME
  create-index         -collection NAME -name IDXNAME -field PATH
  create-unique-index  -collection NAME -name IDXNAME -field PATH`)
}
