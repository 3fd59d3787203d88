package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"go.uber.org/zap"

	"github.com/vindil/shardflow/consumer"
	"github.com/vindil/shardflow/lease"
)

var (
	streamName  string
	consumerArn string
	leaseTable  string
	region      string
	poll        bool
	createTable bool
)

func init() {
	flag.StringVar(&streamName, "stream-name", "", "stream name")
	flag.StringVar(&consumerArn, "consumer-arn", "", "fan-out consumer registration arn")
	flag.StringVar(&leaseTable, "lease-table", "", "lease table name")
	flag.StringVar(&region, "region", "us-east-1", "aws region")
	flag.BoolVar(&poll, "poll", false, "use iterator polling instead of fan-out")
	flag.BoolVar(&createTable, "create-table", false, "create the lease table if missing")
}

func main() {
	parseArgs()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		logger.Fatal("failed to load aws config", zap.Error(err))
	}
	kds := kinesis.NewFromConfig(awsCfg)
	ddb := dynamodb.NewFromConfig(awsCfg)

	store := lease.NewDynamoStore(ddb, kds, leaseTable, streamName, lease.WithStoreLogger(logger))
	if createTable {
		if err := store.CreateTableIfNotExists(ctx); err != nil {
			logger.Fatal("failed to create lease table", zap.Error(err))
		}
	}

	opts := []consumer.ConfigOption{
		consumer.WithRegion(region),
		consumer.WithLoggerConfig(logger),
	}
	if poll {
		opts = append(opts, consumer.WithPolling())
	} else {
		opts = append(opts, consumer.WithConsumerARN(consumerArn))
	}
	cfg := consumer.NewConfig(streamName, opts...)

	sink := consumer.NewChannelSink(64)
	c, err := consumer.New(ctx, cfg, store, sink, consumer.WithKinesisClient(kds))
	if err != nil {
		logger.Fatal("failed to build consumer", zap.Error(err))
	}

	stopchan := make(chan os.Signal, 1)
	signal.Notify(stopchan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopchan
		c.Stop()
	}()

	go func() {
		for {
			select {
			case b, ok := <-sink.Batches():
				if !ok {
					return
				}
				logger.Info("batch",
					zap.String("shard-id", b.ShardID),
					zap.Int("records", len(b.Records)),
					zap.Int64("millis-behind-latest", b.MillisBehindLatest))
			case e := <-sink.Errors():
				logger.Error("shard consumption failed", zap.String("shard-id", e.ShardID), zap.Error(e.Err))
			}
		}
	}()

	c.Start()
	<-c.Done()
}

func parseArgs() {
	flag.Parse()
	if streamName == "" {
		fmt.Println("error: --stream-name is required")
		flag.Usage()
		os.Exit(1)
	}
	if leaseTable == "" {
		fmt.Println("error: --lease-table is required")
		flag.Usage()
		os.Exit(1)
	}
	if !poll && consumerArn == "" {
		fmt.Println("error: --consumer-arn is required unless --poll is set")
		flag.Usage()
		os.Exit(1)
	}
}
