package main

import (
	"log"
	"net/http"
	"os"

	"github.com/seamchat/seam/internal/server/handlers"
	"github.com/seamchat/seam/internal/server/ratelimit"
	"github.com/seamchat/seam/internal/server/storage"
	"github.com/seamchat/seam/internal/server/ws"
)

func main() {
	store := storage.New()
	defer store.Close()
	if err := store.EnsureSchema(); err != nil {
		log.Fatal("Failed to create schema:", err)
	}

	limiter := ratelimit.FromEnv()
	hub := ws.NewHub(store)

	api := &handlers.API{Store: store, Hub: hub, Limiter: limiter}

	port := os.Getenv("PORT")
	if port == "" {
		port = "3567"
	}

	log.Printf("Server starting on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, api.Routes()))
}
