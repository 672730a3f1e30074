// Command quickstart runs a three-node sequential workflow against a
// file-backed SQLite checkpoint store, demonstrating zero-configuration
// durability: kill the process mid-run and re-launch it with the same run
// ID to resume from the last completed node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/flowforge/corerun/graph"
	"github.com/flowforge/corerun/graph/emit"
	"github.com/flowforge/corerun/graph/store"
)

func main() {
	dbPath := flag.String("db", "./quickstart.db", "path to the SQLite checkpoint database")
	runID := flag.String("run-id", "quickstart-run", "run ID to execute or resume")
	flag.Parse()

	fmt.Println("Durable Workflow Quickstart")
	fmt.Println("===========================")
	fmt.Printf("database: %s\n", *dbPath)
	fmt.Printf("run ID:   %s\n\n", *runID)

	sqliteStore, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer sqliteStore.Close()

	emitter := emit.NewLogEmitter(os.Stdout, false)

	engine, err := graph.NewEngine(sqliteStore, emitter, graph.WithMaxIterations(20))
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	wf := buildWorkflow()
	result := engine.Run(context.Background(), *runID, wf)

	fmt.Println()
	fmt.Printf("status: %s\n", result.Status)
	if result.Err != nil {
		fmt.Printf("error:  %v\n", result.Err)
		os.Exit(1)
	}
	fmt.Printf("final message: %v\n", result.FinalState["message"])
	fmt.Printf("final count:   %v\n", result.FinalState["count"])
}

func buildWorkflow() *graph.Workflow {
	wf := graph.NewWorkflow("quickstart", "v1", graph.State{})

	start := &graph.Node{
		Name: "start",
		Fn: func(_ context.Context, _ graph.State) graph.Result {
			fmt.Println("-> start: initializing")
			return graph.Result{
				Delta: graph.State{"message": "workflow started", "count": 1},
				Next:  graph.UseGraphEdges(),
			}
		},
	}
	process := &graph.Node{
		Name: "process",
		Fn: func(_ context.Context, s graph.State) graph.Result {
			count := s.GetInt("count")
			fmt.Printf("-> process: count=%d message=%q\n", count, s.GetString("message"))
			return graph.Result{
				Delta: graph.State{"message": s.GetString("message") + " -> processed", "count": count + 1},
				Next:  graph.UseGraphEdges(),
			}
		},
	}
	finish := &graph.Node{
		Name: "finish",
		Fn: func(_ context.Context, s graph.State) graph.Result {
			count := s.GetInt("count")
			fmt.Printf("-> finish: count=%d message=%q\n", count, s.GetString("message"))
			return graph.Result{
				Delta: graph.State{"message": s.GetString("message") + " -> complete", "count": count + 1, "done": true},
				Next:  graph.Stop(),
			}
		},
	}

	_ = wf.AddNode(start)
	_ = wf.AddNode(process)
	_ = wf.AddNode(finish)

	wf.AddEdge(graph.NewSequential("start", "process"))
	wf.AddEdge(graph.NewSequential("process", "finish"))
	wf.EntryPoint = "start"

	return wf
}
