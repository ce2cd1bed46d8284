package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/sirixdb/sirix-sub007/engine"
)

// DB is the storage engine's public contract: a durable, crash-recoverable
// key-value store.
type DB interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Close() error
}

type Command int

const (
	CommandUnknown Command = iota
	CommandInsert
	CommandUpdate
	CommandDelete
)

var _ DB = (*engine.DB)(nil)

func main() {
	dir := flag.String("dir", "sirixdata", "database directory")
	flag.Parse()

	db, err := engine.New(*dir)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close database: %v", err)
		}
	}()

	fmt.Printf("sirix-sub007 database open at %s\n", *dir)
}
