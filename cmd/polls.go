package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/grant-review/internal/engine"
	"github.com/sells-group/grant-review/internal/model"
)

var pollsCmd = &cobra.Command{
	Use:   "polls",
	Short: "Run community sentiment polls",
}

var (
	pollQuestion    string
	pollStrategy    string
	pollOptions     []string
	pollTotalTokens float64
	pollHours       int
)

var pollsCreateCmd = &cobra.Command{
	Use:   "create <grant-id>",
	Short: "Open a poll on a grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := parsePollOptions(pollOptions)
		if err != nil {
			return err
		}
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		n := engine.NewPoll{
			GrantID:     args[0],
			Question:    pollQuestion,
			Strategy:    model.VotingStrategy(pollStrategy),
			Options:     opts,
			TotalTokens: pollTotalTokens,
		}
		if pollHours > 0 {
			n.EndsAt = time.Now().UTC().Add(time.Duration(pollHours) * time.Hour)
		}
		p, err := env.Engine.CreatePoll(cmd.Context(), n)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

// parsePollOptions reads options written as id=value or id:label=value.
func parsePollOptions(raw []string) ([]model.PollOption, error) {
	out := make([]model.PollOption, 0, len(raw))
	for _, r := range raw {
		key, val, ok := strings.Cut(r, "=")
		if !ok {
			return nil, eris.Errorf("option %q: want id=value", r)
		}
		id, label, _ := strings.Cut(key, ":")
		if label == "" {
			label = id
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "option %q: parse value", r)
		}
		out = append(out, model.PollOption{ID: id, Label: label, Value: v})
	}
	return out, nil
}

var (
	voteVoter      string
	voteOption     string
	voteTokens     float64
	voteReputation float64
)

var pollsVoteCmd = &cobra.Command{
	Use:   "vote <poll-id>",
	Short: "Cast a vote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Engine.CastVote(cmd.Context(), args[0], engine.Ballot{
			VoterID:      voteVoter,
			OptionID:     voteOption,
			TokenBalance: voteTokens,
			Reputation:   voteReputation,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var pollsTallyCmd = &cobra.Command{
	Use:   "tally <poll-id>",
	Short: "Show the current result of a poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.TallyPoll(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var pollsCloseCmd = &cobra.Command{
	Use:   "close <poll-id>",
	Short: "Close a poll and print its final tally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		p, res, err := env.Engine.ClosePoll(cmd.Context(), args[0], actorFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"poll": p, "result": res})
	},
}

func init() {
	cf := pollsCreateCmd.Flags()
	cf.StringVar(&pollQuestion, "question", "", "poll question")
	cf.StringVar(&pollStrategy, "strategy", string(model.StrategyTokenWeighted), "one_token_one_vote, quadratic, reputation or hybrid")
	cf.StringSliceVar(&pollOptions, "option", []string{"yes:Yes=100", "no:No=0"}, "option as id[:label]=value, repeatable")
	cf.Float64Var(&pollTotalTokens, "total-tokens", 0, "circulating token supply")
	cf.IntVar(&pollHours, "hours", 0, "poll length in hours (default from config)")

	vf := pollsVoteCmd.Flags()
	vf.StringVar(&voteVoter, "voter", "", "voter id")
	vf.StringVar(&voteOption, "option", "", "option id")
	vf.Float64Var(&voteTokens, "tokens", 0, "voter token balance")
	vf.Float64Var(&voteReputation, "reputation", 0, "voter reputation (0-100)")

	pollsCloseCmd.Flags().StringVar(&actorFlag, "actor", "", "admin closing the poll")

	pollsCmd.AddCommand(pollsCreateCmd, pollsVoteCmd, pollsTallyCmd, pollsCloseCmd)
	rootCmd.AddCommand(pollsCmd)
}
