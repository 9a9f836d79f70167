package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"moodchat/backend/internal/admin"
	"moodchat/backend/internal/config"
	"moodchat/backend/internal/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const usage = `Usage: admin <command> [args]
  rooms [status...]        list rooms, newest first (waiting, active, ended)
  end <room_id>            force-end a room
  sweep [minutes]          delete waiting rooms older than minutes (default 30)
  purge [days]             delete ended rooms older than days with their messages (default 7)`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	if _, err := config.LoadDotEnv(); err != nil {
		log.Fatalf("loading .env: %v", err)
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()
	svc := admin.NewService(db, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "rooms":
		var statuses []models.RoomStatus
		for _, a := range args {
			statuses = append(statuses, models.RoomStatus(a))
		}
		rooms, err := svc.ListRooms(ctx, statuses, 100)
		if err != nil {
			log.Fatalf("Error listing rooms: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMOOD\tSTATUS\tMESSAGES\tCREATED")
		for _, r := range rooms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Mood, r.Status, r.Messages, r.CreatedAt.Format(time.RFC3339))
		}
		_ = w.Flush()
	case "end":
		if len(args) != 1 {
			fmt.Println("Usage: admin end <room_id>")
			os.Exit(1)
		}
		open, err := svc.EndRoom(ctx, args[0])
		if err != nil {
			log.Fatalf("Error ending room: %v", err)
		}
		if !open {
			fmt.Printf("Room %s was not open.\n", args[0])
			return
		}
		fmt.Printf("Room %s has been ended.\n", args[0])
	case "sweep":
		minutes := intArg(args, 30)
		n, err := svc.SweepWaiting(ctx, time.Duration(minutes)*time.Minute)
		if err != nil {
			log.Fatalf("Error sweeping rooms: %v", err)
		}
		fmt.Printf("Deleted %d waiting rooms.\n", n)
	case "purge":
		days := intArg(args, 7)
		n, err := svc.PurgeEnded(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			log.Fatalf("Error purging rooms: %v", err)
		}
		fmt.Printf("Purged %d ended rooms.\n", n)
	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}

func intArg(args []string, def int) int {
	if len(args) == 0 {
		return def
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		fmt.Println("Please provide a positive integer.")
		os.Exit(1)
	}
	return n
}
