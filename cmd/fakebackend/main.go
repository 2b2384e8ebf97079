// Command fakebackend serves the in-memory hospital backend for local UI
// work against the companion.
//
//	PORT        listen port (default 9090)
//	DEMO_PHONE  seeds a demo patient with this phone number (optional)
//	DEMO_SECRET the demo patient's password (default "demo-password")
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/queue-companion/internal/fakebackend"
	"github.com/sakif/queue-companion/internal/model"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("reading .env", slog.String("error", err.Error()))
		os.Exit(1)
	}

	port := 9090
	if s := os.Getenv("PORT"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			logger.Error("invalid PORT value", slog.String("value", s))
			os.Exit(1)
		}
		port = p
	}

	b, err := fakebackend.New(fakebackend.Options{}, logger)
	if err != nil {
		logger.Error("building fake backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := seed(b, logger); err != nil {
		logger.Error("seeding demo data", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("fake backend listening", slog.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
	}
}

// seed adds a demo patient with one waiting appointment and a welcome
// notification when DEMO_PHONE is set.
func seed(b *fakebackend.Backend, logger *slog.Logger) error {
	phone := os.Getenv("DEMO_PHONE")
	if phone == "" {
		return nil
	}
	secret := os.Getenv("DEMO_SECRET")
	if secret == "" {
		secret = "demo-password"
	}

	u, err := b.AddUser("Demo Patient", phone, secret)
	if err != nil {
		return err
	}
	appt := b.AddAppointment(u.ID, model.Appointment{
		DoctorName:           "Dr. Rahman",
		QueueNumber:          17,
		Position:             5,
		TotalInQueue:         12,
		EstimatedWaitMinutes: 25,
		QueueIdentifier:      "OPD-MED",
	})
	b.AddNotification(u.ID, model.Notification{
		Title:         "Appointment booked",
		Message:       "You are number 17 in the medicine OPD queue.",
		Type:          "booking",
		AppointmentID: appt.ID,
	})
	logger.Info("demo patient seeded", slog.String("phone", phone), slog.String("appointment_id", appt.ID))
	return nil
}
