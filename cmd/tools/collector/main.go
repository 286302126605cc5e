// main.go - Local development collector for the wewb SDK
//
// Accepts the SDK's session payloads on POST /track, logs a summary, and
// acknowledges with 202. Useful for exercising the engine without a real
// analytics backend.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gofiber/fiber/v2"
)

type sessionPayload struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Data      struct {
		PageURL   string `json:"pageUrl"`
		PageTitle string `json:"pageTitle"`
		Referrer  string `json:"referrer"`
		Events    []struct {
			Type      string         `json:"type"`
			Timestamp int64          `json:"timestamp"`
			Data      map[string]any `json:"data"`
		} `json:"events"`
	} `json:"data"`
	UserEnvInfo map[string]any `json:"userEnvInfo"`
}

func buildApp(logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Post("/track", func(c *fiber.Ctx) error {
		var payload sessionPayload
		if err := c.BodyParser(&payload); err != nil {
			logger.Debug("Failed to parse payload", slog.Any("error", err))
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request",
				"code":  "PAYLOAD_INVALID",
			})
		}
		if payload.Type != "session" || payload.ProjectID == "" {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid payload",
				"code":  "PAYLOAD_INVALID",
			})
		}

		logger.Info("Received session payload",
			slog.String("projectId", payload.ProjectID),
			slog.String("pageUrl", payload.Data.PageURL),
			slog.Int("events", len(payload.Data.Events)),
			slog.Any("uid", payload.UserEnvInfo["uid"]))

		return c.Status(http.StatusAccepted).JSON(fiber.Map{
			"message": "Session accepted",
			"status":  http.StatusAccepted,
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	return app
}

func main() {
	port := flag.Int("port", 3100, "Port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	app := buildApp(logger)

	logger.Info("Collector listening", slog.Int("port", *port))
	if err := app.Listen(fmt.Sprintf(":%d", *port)); err != nil {
		logger.Error("Collector stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
