// Command waspdb is a minimal CLI for exercising an embedded database
// directory: create a collection, insert a JSON document, and print a
// count, mirroring the teacher's cmd/novusdb entrypoint shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/api"
	"github.com/waspdb/waspdb/document"
	"github.com/waspdb/waspdb/types"
)

func main() {
	dir := flag.String("dir", "./waspdb-data", "database directory")
	collName := flag.String("collection", "default", "collection name")
	insertJSON := flag.String("insert", "", "JSON object to insert, e.g. '{\"name\":\"bob\"}'")
	checkpoint := flag.String("checkpoint", "", "write a checkpoint snapshot to this path and exit")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	db, err := api.Open(*dir, api.Options{Logger: &log})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if err := db.CreateCollection(*collName); err != nil {
		log.Debug().Err(err).Msg("collection already exists")
	}

	if *insertJSON != "" {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(*insertJSON), &fields); err != nil {
			log.Fatal().Err(err).Msg("parse insert JSON")
		}
		doc := document.New()
		for k, v := range fields {
			doc.Set(k, v)
		}
		id, err := db.InsertDocument(*collName, doc)
		if err != nil {
			log.Fatal().Err(err).Msg("insert document")
		}
		fmt.Printf("inserted %s\n", id)
	}

	if *checkpoint != "" {
		if err := db.Checkpoint(*checkpoint); err != nil {
			log.Fatal().Err(err).Msg("checkpoint")
		}
		fmt.Printf("checkpoint written to %s\n", *checkpoint)
		return
	}

	count, err := db.Count(*collName, types.Filter{Kind: types.FilterTrue})
	if err != nil {
		log.Fatal().Err(err).Msg("count")
	}
	fmt.Printf("%s: %d documents\n", *collName, count)
}
