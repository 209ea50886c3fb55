package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"flowr_agency/internal/flowr"
)

type apiCall func(ctx context.Context, c *flowr.Client, args []string) (any, error)

// apiCmd wraps one client operation. use lists the positional arguments.
func apiCmd(o *options, use, short string, nargs int, call apiCall) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := o.client(cmd)
			if err != nil {
				return err
			}
			res, err := call(cmd.Context(), c, args)
			if err != nil {
				return err
			}
			return o.print(cmd, res)
		},
	}
}

func apiCommands(o *options) []*cobra.Command {
	cmds := []*cobra.Command{
		apiCmd(o, "test-access", "Check the token and email", 0, func(ctx context.Context, c *flowr.Client, _ []string) (any, error) {
			return c.TestAccess(ctx)
		}),
		apiCmd(o, "list-nodes", "List every node type the service offers", 0, func(ctx context.Context, c *flowr.Client, _ []string) (any, error) {
			return c.ListAllNodes(ctx)
		}),
		apiCmd(o, "list-charts", "List the charts of the account", 0, func(ctx context.Context, c *flowr.Client, _ []string) (any, error) {
			return c.ListUserCharts(ctx)
		}),
		apiCmd(o, "new-chart", "Create an empty chart", 0, func(ctx context.Context, c *flowr.Client, _ []string) (any, error) {
			return c.NewChart(ctx)
		}),
		apiCmd(o, "delete-chart CID", "Delete a chart", 1, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.DeleteChart(ctx, args[0])
		}),
		apiCmd(o, "add-node CID NODE_TYPE", "Add a node to a chart", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.AddNode(ctx, args[0], args[1])
		}),
		apiCmd(o, "delete-node CID NID", "Remove a node from a chart", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.DeleteNode(ctx, args[0], args[1])
		}),
		apiCmd(o, "get-chart CID", "Show a chart", 1, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.GetChart(ctx, args[0])
		}),
		apiCmd(o, "clear-output CID", "Clear the output of a chart", 1, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.ClearOutput(ctx, args[0])
		}),
		apiCmd(o, "run-chart CID", "Start a chart run", 1, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.RunChart(ctx, args[0])
		}),
		apiCmd(o, "run-status CID", "Show the run status of a chart", 1, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.RunStatus(ctx, args[0])
		}),
		apiCmd(o, "get-parameters CID NID", "Show the parameters of a node", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.GetParameters(ctx, args[0], args[1])
		}),
		apiCmd(o, "set-parameter CID NID NAME VALUE", "Set a node parameter", 4, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.SetParameter(ctx, args[0], args[1], args[2], args[3])
		}),
		apiCmd(o, "new-variable CID NID", "Create an output variable on a node", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.NewVariable(ctx, args[0], args[1])
		}),
		apiCmd(o, "rename-variable CID NID OLD NEW", "Rename an output variable", 4, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.RenameVariable(ctx, args[0], args[1], args[2], args[3])
		}),
		apiCmd(o, "delete-variable CID NID NAME", "Delete an output variable", 3, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.DeleteVariable(ctx, args[0], args[1], args[2])
		}),
		apiCmd(o, "get-variables CID NID", "List the output variables of a node", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.GetVariables(ctx, args[0], args[1])
		}),
		apiCmd(o, "get-output-tree CID NID", "Show the output tree of a node", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.GetOutputTree(ctx, args[0], args[1])
		}),
		apiCmd(o, "set-variable-definition CID NID NAME DEFINITION", "Define an output variable", 4, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.SetVariableDefinition(ctx, args[0], args[1], args[2], args[3])
		}),
		apiCmd(o, "get-node-output CID NID", "Show the output of a node", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.GetNodeOutput(ctx, args[0], args[1])
		}),
		apiCmd(o, "get-variable-output CID NAME", "Show the value of a chart variable", 2, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
			return c.GetVariableOutput(ctx, args[0], args[1])
		}),
	}

	var interval time.Duration
	wait := apiCmd(o, "wait CID", "Poll until a chart run finishes", 1, func(ctx context.Context, c *flowr.Client, args []string) (any, error) {
		return c.WaitForRun(ctx, args[0], interval)
	})
	wait.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return append(cmds, wait)
}
