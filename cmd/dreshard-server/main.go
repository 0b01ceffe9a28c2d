package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/datanode"
	"github.com/jonas747/dreshard/orchestrator"
	"github.com/jonas747/dreshard/orchestrator/rest"
	"github.com/jonas747/dreshard/routing"
	"github.com/jonas747/dreshard/simdata"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/bson"
)

const version = "0.1.0"

var demoNamespace = dreshard.Namespace("demo.users")

func main() {
	app := cli.NewApp()

	app.Name = "dreshard-server"
	app.Version = version
	app.Description = "dreshard-server runs the resharding orchestrator together with a set of simulated data nodes"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			EnvVar: "DRESHARD_LISTEN_ADDR",
			Name:   "listen",
			Usage:  "address the orchestrator listens for data nodes on",
			Value:  "127.0.0.1:7447",
		},
		cli.StringFlag{
			EnvVar: "DRESHARD_REST_ADDR",
			Name:   "rest",
			Usage:  "address the rest api listens on",
			Value:  "127.0.0.1:7448",
		},
		cli.StringFlag{
			EnvVar: "DRESHARD_SNAPSHOT",
			Name:   "snapshot",
			Usage:  "file the catalog is persisted to, in memory only if empty",
		},
		cli.IntFlag{
			EnvVar: "DRESHARD_SHARDS",
			Name:   "shards",
			Usage:  "number of simulated data nodes",
			Value:  3,
		},
		cli.IntFlag{
			EnvVar: "DRESHARD_DEMO_DOCS",
			Name:   "demo-docs",
			Usage:  "number of documents seeded into " + string(demoNamespace) + ", 0 to skip seeding",
			Value:  1000,
		},
		cli.DurationFlag{
			EnvVar: "DRESHARD_MIN_OPERATION_DURATION",
			Name:   "min-operation-duration",
			Usage:  "how long recipients keep applying changes before the commit monitor may block writes",
			Value:  5 * time.Second,
		},
		cli.StringFlag{
			EnvVar: "DRESHARD_LOG_LEVEL",
			Name:   "loglevel",
			Value:  "info",
		},
	}

	app.Action = run

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	level := dreshard.ParseLogLevel(c.String("loglevel"))
	logrus.SetLevel(level.LogrusLevel())

	o, err := orchestrator.NewStandardOrchestrator(c.String("snapshot"), level)
	if err != nil {
		return err
	}
	o.Coordinators.Config.MinimumOperationDuration = c.Duration("min-operation-duration")

	err = o.Start(c.String("listen"))
	if err != nil {
		return errors.WithMessage(err, "failed starting orchestrator")
	}
	defer o.Stop()

	cluster := simdata.NewCluster()
	shardIDs := make([]string, 0, c.Int("shards"))
	for i := 0; i < c.Int("shards"); i++ {
		id := fmt.Sprintf("shard%d", i)
		shardIDs = append(shardIDs, id)

		localSnapshot := ""
		if c.String("snapshot") != "" {
			localSnapshot = c.String("snapshot") + "." + id
		}

		dn, err := datanode.Start(context.Background(), cluster, id, datanode.Options{
			OrchestratorAddr:  o.Addr(),
			Host:              id + ".sim",
			Version:           version,
			Chunks:            simdata.CatalogChunks{Store: o.Store},
			LocalSnapshotPath: localSnapshot,
			Logger:            &dreshard.StdLogger{Level: level, Prefix: id},
		})
		if err != nil {
			return errors.WithMessage(err, "failed starting data node "+id)
		}
		defer dn.Stop()
	}

	if n := c.Int("demo-docs"); n > 0 {
		err = seedDemo(o, cluster, shardIDs, n)
		if err != nil {
			return errors.WithMessage(err, "failed seeding "+string(demoNamespace))
		}
	}

	api := rest.NewRESTAPI(o, c.String("rest"))
	err = api.Run()
	if err != nil {
		return errors.WithMessage(err, "failed starting rest api")
	}

	log.Println("orchestrator listening on " + o.Addr() + ", rest api on " + c.String("rest"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Stop(ctx)
}

// seedDemo creates a collection sharded by userId with documents spread evenly over the
// shards. The region field is a natural key to reshard to.
func seedDemo(o *orchestrator.Orchestrator, cluster *simdata.Cluster, shardIDs []string, numDocs int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	existing, err := o.LookupCollection(ctx, demoNamespace)
	if err != nil {
		return err
	}
	if existing != nil {
		// the documents of the simulated shards do not survive a restart
		o.Log(dreshard.LogWarning, nil, string(demoNamespace)+" is already in the catalog snapshot, not seeding")
		return nil
	}

	// shards are registered by the orchestrator once they identify
	for _, id := range shardIDs {
		for o.FindNodeByID(id) == nil {
			select {
			case <-ctx.Done():
				return errors.WithMessage(ctx.Err(), id+" did not connect")
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	uuid := dreshard.NewUUID()
	key := dreshard.KeyPattern{"userId"}
	layout := routing.SplitEven(len(shardIDs), shardIDs)

	for _, id := range shardIDs {
		if err := cluster.Shard(id).CreateCollection(demoNamespace, uuid, key); err != nil {
			return err
		}
	}

	regions := []string{"eu", "us", "ap"}
	for i := 0; i < numDocs; i++ {
		userID := dreshard.KeyValue(fmt.Sprintf("%04x", i*0x10000/numDocs))
		docID := fmt.Sprintf("user-%d", i)
		doc := bson.M{"_id": docID, "userId": string(userID), "region": regions[i%len(regions)]}

		for _, chunk := range layout {
			if dreshard.KeyRangeContains(chunk.Min, chunk.Max, userID) {
				if err := cluster.Shard(chunk.RecipientShardID).Insert(demoNamespace, docID, doc); err != nil {
					return err
				}
				break
			}
		}
	}

	err = o.ShardCollection(ctx, orchestrator.ShardCollectionRequest{
		Namespace: demoNamespace,
		UUID:      uuid,
		Key:       key,
		Chunks:    layout,
	})
	if err != nil {
		return err
	}

	o.Log(dreshard.LogInfo, nil, fmt.Sprintf("seeded %s with %d documents over %d shards", demoNamespace, numDocs, len(shardIDs)))
	return nil
}
