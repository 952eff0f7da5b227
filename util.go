package main

import "os"

// getEnv wraps os.Getenv so config/bootstrap code has one seam to mock in tests.
func getEnv(key string) string {
	return os.Getenv(key)
}
