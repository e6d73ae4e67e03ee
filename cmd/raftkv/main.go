package main

import (
	"log"

	"github.com/quorumlabs/raftkv/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
