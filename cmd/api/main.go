package main

import (
	"context"
	"log"
	"os"
	"time"

	"lumiapi/controllers"
	"lumiapi/dbhelper"
	"lumiapi/services"
	"lumiapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         os.Getenv("SENTRY_DSN"),
		Environment: services.GetEnv("ENV", "local"),
		Release:     "lumiapi@1.0.0",
		Debug:       false,
		// Set TracesSampleRate to 1.0 to capture 100%
		// of transactions for performance monitoring.
		// We recommend adjusting this value in production,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Recover()
	defer sentry.Flush(2 * time.Second)

	db := dbhelper.SetupDB()

	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")})
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	awsService := &services.AWSService{}
	urlCache, err := services.NewURLCacheService(awsService, bucketName)
	if err != nil {
		log.Fatal("Failed to initialize URL cache service")
	}
	eventHub := services.NewEventHub()

	// the pipeline workers share the process with the API so live events
	// reach connected clients directly
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	imageWorker := tasks.NewImageWorker(db, services.NewGeminiImageService(), awsService, eventHub)
	modelWorker := tasks.NewModelWorker(db, services.NewHunyuan3DService(), awsService, urlCache, eventHub, app)
	go imageWorker.Run(ctx)
	go modelWorker.Run(ctx)

	e := controllers.SetupServer(
		db, services.GoogleService{}, awsService, urlCache, eventHub, app,
		asynqClient,
	)
	e.Debug = true
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(3)))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	e.Logger.Fatal(e.Start(":8083"))
}
