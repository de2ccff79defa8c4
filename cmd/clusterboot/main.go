package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "clusterboot",
		Usage: "Bootstrap an EKS cluster with Karpenter and ArgoCD from one stack file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "profile",
				Usage:   "AWS credential profile name (e.g., dev, prod)",
				EnvVars: []string{"AWS_PROFILE"},
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region, overrides the stack file and the profile",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the stack file",
				Value:   "clusterboot.yaml",
				EnvVars: []string{"CLUSTERBOOT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "kubeconfig",
				Usage: "Reach the cluster through this kubeconfig instead of the recorded cluster endpoint",
			},
			&cli.StringFlag{
				Name:  "kube-context",
				Usage: "Context to use from --kubeconfig",
			},
			&cli.StringFlag{
				Name:  "state-bucket",
				Usage: "Keep run state in this S3 bucket instead of the stack's state backend",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
				Value: "warn",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (console, json)",
				Value: "console",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "Show the provisioning order without touching anything",
				Action: planCommand,
			},
			{
				Name:  "apply",
				Usage: "Provision the stack, resuming where a previous run stopped",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "parallelism",
						Usage: "Apply up to N independent resources at once",
						Value: 1,
					},
				},
				Action: applyCommand,
			},
			{
				Name:  "destroy",
				Usage: "Delete every resource of the stack in reverse order",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "parallelism",
						Usage: "Delete up to N independent resources at once",
						Value: 1,
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Skip the confirmation prompts",
					},
				},
				Action: destroyCommand,
			},
			{
				Name:   "status",
				Usage:  "Show the recorded status of every resource",
				Action: statusCommand,
			},
			{
				Name:  "outputs",
				Usage: "Show the stack outputs",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print outputs as a JSON object",
					},
				},
				Action: outputsCommand,
			},
			{
				Name:   "policy",
				Usage:  "Print the composed IAM policies",
				Action: policyCommand,
			},
			{
				Name:   "help",
				Usage:  "Show detailed help",
				Action: showDetailedHelp,
			},
		},
		// Default action when no command specified
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}
