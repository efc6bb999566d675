package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("passvaultd", "a replicated, authenticated blob store for a password manager", NewService())
}
