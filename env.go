// FILE: env.go
// Package main – Environment helpers for the trading bot.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, floats, bools, lists).
//   2) loadBotEnv, which hydrates the process env from the bot env file
//      without overriding anything already exported.
//
// Notes:
//   • The bot never requires `export $(cat .env ...)`.
//   • BOT_ENV_FILE overrides the default path.

package main

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, it := range strings.Split(v, ",") {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

// --------- .env loader ---------

const defaultBotEnvFile = "/opt/dipwatch/env/bot.env"

// loadBotEnv reads the bot env file and sets keys not already present in the
// process env. A missing file is not an error.
func loadBotEnv() {
	path := getEnv("BOT_ENV_FILE", defaultBotEnvFile)
	vals, err := godotenv.Read(path)
	if err != nil {
		log.Printf("env: %s not loaded (%v), relying on process env", path, err)
		return
	}
	set := 0
	for k, v := range vals {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err == nil {
			set++
		}
	}
	log.Printf("env: loaded %s (%d keys)", path, set)
}
