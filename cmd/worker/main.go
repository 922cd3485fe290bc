package main

import (
	"context"
	"log"
	"os"

	"lumiapi/dbhelper"
	"lumiapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/hibiken/asynq"
)

func runScheduler() {
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")}, &asynq.SchedulerOpts{
		LogLevel: asynq.InfoLevel,
	})

	sweepTask, err := tasks.NewStuckJobSweepTask()
	if err != nil {
		log.Fatalf("Failed to build sweep task: %v", err)
	}
	scheduled := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "*/10 * * * *", // every 10 minutes
			task: sweepTask,
			desc: "Stuck job sweep",
		},
	}

	for _, t := range scheduled {
		entryID, err := scheduler.Register(t.cron, t.task, asynq.Queue("maintenance"))
		if err != nil {
			log.Fatalf("Failed to register task '%s': %v", t.desc, err)
		}
		log.Printf("Registered task '%s' with ID: %s, cron: %s", t.desc, entryID, t.cron)
	}

	log.Println("Starting scheduler...")
	if err := scheduler.Run(); err != nil {
		log.Fatalf("Scheduler failed: %v", err)
	}
}

func main() {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			"maintenance": 3,
		}},
	)
	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}
	mux := asynq.NewServeMux()
	db := dbhelper.SetupDB()
	mux.HandleFunc(tasks.TypeStuckJobSweep, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleStuckJobSweepTask(ctx, t, db, app)
	})

	go runScheduler()
	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
