//go:build mage

package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/joho/godotenv"
)

// Test runs the unit tests. Redis is simulated, nothing needs to be running.
func Test() error {
	return run("go", "test", "./...")
}

// Server runs the HTTP and websocket server only.
func Server() error {
	return runMode("server")
}

// Worker runs the background processors only.
func Worker() error {
	return runMode("worker")
}

// Redis starts a throwaway local Redis on REDIS_PORT (default 6379).
func Redis() error {
	if err := loadEnv(); err != nil {
		return err
	}
	port := getEnv("REDIS_PORT", "6379")
	return run("docker", "run", "--rm", "-d", "--name", "artbeat-redis",
		"-p", fmt.Sprintf("%s:6379", port), "redis:7-alpine")
}

// Helper functions

func runMode(mode string) error {
	if err := loadEnv(); err != nil {
		return err
	}
	return run("go", "run", "./cmd", "--mode", mode)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func loadEnv() error {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
