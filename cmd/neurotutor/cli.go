package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurotutor/neurotutor/internal/answer"
	"github.com/neurotutor/neurotutor/internal/api"
	"github.com/neurotutor/neurotutor/internal/handler"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/session"
	"github.com/neurotutor/neurotutor/internal/store"
)

// cliClientID names the stored session shared by all CLI commands.
const cliClientID = "cli"

// cliEnv is what a service-backed command runs against.
type cliEnv struct {
	ctx    context.Context
	db     *store.Store
	client *api.Client
	guard  *session.Guard
}

func (e *cliEnv) Close() error { return e.db.Close() }

// localizedContext initializes messages and returns a context carrying the
// configured language.
func localizedContext(cmd *cobra.Command, v *viper.Viper) (context.Context, error) {
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}
	return appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(lang)), nil
}

func openCLI(cmd *cobra.Command) (*cliEnv, error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, err := localizedContext(cmd, v)
	if err != nil {
		return nil, err
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.TouchClient(cliClientID); err != nil {
		db.Close()
		return nil, fmt.Errorf("record client: %w", err)
	}

	var st session.Store = db.Namespace(cliClientID)
	if secret := v.GetString("seal-secret"); secret != "" {
		st = store.NewSealed(st, secret)
	}
	client := newServiceClient(v)
	g := session.NewGuard(st, client)
	g.Start(ctx)

	return &cliEnv{ctx: ctx, db: db, client: client, guard: g}, nil
}

// signedIn returns the current session or a localized error when there is none.
func (e *cliEnv) signedIn() (model.Session, error) {
	s := e.guard.Session()
	if s.Status != model.StatusAuthenticated || s.User == nil {
		return s, errors.New(appI18n.T(e.ctx, "NotSignedIn"))
	}
	return s, nil
}

// fail turns a service error into a localized one, ending the stored session
// on auth failures.
func (e *cliEnv) fail(err error) error {
	e.guard.ObserveError(err)
	return errors.New(appI18n.ErrorMessage(e.ctx, err))
}

// readText returns the flag value, or all of stdin when it is empty.
func readText(cmd *cobra.Command, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and keep the session for later commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openCLI(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			v := viperForCmd(cmd)
			email := strings.TrimSpace(v.GetString("email"))
			password := v.GetString("password")
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			s, err := env.guard.Login(env.ctx, email, password)
			if err != nil {
				var apiErr *api.APIError
				if errors.As(err, &apiErr) && apiErr.Message != "" {
					return errors.New(apiErr.Message)
				}
				return errors.New(appI18n.ErrorMessage(env.ctx, err))
			}
			if s.User == nil {
				return errors.New(appI18n.T(env.ctx, "LoginFailed"))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, appI18n.Td(env.ctx, "LoginSucceeded", map[string]any{"Name": s.User.DisplayName()}))
			fmt.Fprintf(out, "home: %s\n", session.RootPath(*s.User))
			return nil
		},
	}
	addServiceFlags(cmd)
	cmd.Flags().StringP("email", "e", "", "Account email")
	cmd.Flags().StringP("password", "p", "", "Account password (or NEUROTUTOR_PASSWORD, or first line of stdin)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openCLI(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.guard.Logout(); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), appI18n.T(env.ctx, "LoggedOut"))
			return nil
		},
	}
	addServiceFlags(cmd)
	return cmd
}

func whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openCLI(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			s, err := env.signedIn()
			if err != nil {
				return err
			}
			u := s.User
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "name\t%s\n", u.DisplayName())
			fmt.Fprintf(w, "email\t%s\n", u.Email)
			fmt.Fprintf(w, "role\t%s\n", u.Role)
			fmt.Fprintf(w, "diagnostic\t%t\n", u.DiagnosticCompleted)
			if u.Level != "" {
				fmt.Fprintf(w, "level\t%s\n", u.Level)
			}
			if last, err := env.guard.CachedDiagnostic(); err == nil && last != nil {
				fmt.Fprintf(w, "last score\t%d%%\n", last.ScorePercent())
			}
			fmt.Fprintf(w, "home\t%s\n", session.RootPath(*u))
			return w.Flush()
		},
	}
	addServiceFlags(cmd)
	return cmd
}

func exercisesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exercises [id]",
		Short: "List exercises, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openCLI(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			s, err := env.signedIn()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				ex, err := env.client.GetExercise(env.ctx, s.Token, args[0])
				if err != nil {
					return env.fail(err)
				}
				fmt.Fprintf(out, "%s (%d pts)\n\n%s\n", ex.Title, ex.Points, ex.ProblemStatement)
				for i, hint := range ex.Hints {
					fmt.Fprintf(out, "hint %d: %s\n", i+1, hint)
				}
				return nil
			}

			v := viperForCmd(cmd)
			level := v.GetString("level")
			if level == "" && s.User.Level != "" {
				level = string(s.User.Level)
			}
			list, err := env.client.ListExercises(env.ctx, s.Token, model.ExerciseFilter{
				Level:      level,
				Difficulty: v.GetString("difficulty"),
				Topic:      v.GetString("topic"),
			})
			if err != nil {
				return env.fail(err)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tDIFFICULTY\tPOINTS")
			for _, ex := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", ex.ID, ex.Title, ex.Difficulty, ex.Points)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(out, appI18n.Tp(env.ctx, "ExercisesAvailable", len(list)))
			return nil
		},
	}
	addServiceFlags(cmd)
	f := cmd.Flags()
	f.String("level", "", "Filter by level (default: your level)")
	f.String("difficulty", "", "Filter by difficulty")
	f.String("topic", "", "Filter by topic")
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <exercise-id>",
		Short: "Submit an answer (read from --answer or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openCLI(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			s, err := env.signedIn()
			if err != nil {
				return err
			}
			v := viperForCmd(cmd)
			text, err := readText(cmd, v.GetString("answer"))
			if err != nil {
				return err
			}
			var explicit string
			if path := v.GetString("steps-file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read steps: %w", err)
				}
				explicit = string(data)
			}

			mode := strings.ToUpper(v.GetString("mode"))
			sub, userAnswer, ok := handler.BuildSubmission(mode, strings.TrimSpace(text), explicit, handler.SubmitterID(*s.User))
			if !ok {
				return errors.New(appI18n.T(env.ctx, "InvalidRequest"))
			}

			ex, err := env.client.GetExercise(env.ctx, s.Token, args[0])
			if err != nil {
				return env.fail(err)
			}
			res, err := env.client.Submit(env.ctx, s.Token, args[0], sub)
			if err != nil {
				return env.fail(err)
			}
			correct, earned, source := handler.Grade(res, userAnswer, ex.Solution, ex.Points)

			out := cmd.OutOrStdout()
			if correct {
				fmt.Fprintln(out, appI18n.T(env.ctx, "AnswerCorrect"))
			} else {
				fmt.Fprintln(out, appI18n.T(env.ctx, "AnswerIncorrect"))
			}
			fmt.Fprintf(out, "answer: %s\npoints: %d (%s)\n", userAnswer, earned, source)
			if res.AIGlobalScore != nil {
				fmt.Fprintf(out, "step score: %.2f\n", *res.AIGlobalScore)
			}
			for _, fb := range res.StepsFeedback {
				mark := "x"
				if fb.Correct {
					mark = "ok"
				}
				fmt.Fprintf(out, "%d. [%s] %s", fb.Index+1, mark, fb.Step)
				if fb.Feedback != "" {
					fmt.Fprintf(out, ": %s", fb.Feedback)
				}
				fmt.Fprintln(out)
				if fb.Hint != "" {
					fmt.Fprintf(out, "   hint: %s\n", fb.Hint)
				}
				if fb.CorrectedStep != "" {
					fmt.Fprintf(out, "   fix: %s\n", fb.CorrectedStep)
				}
			}
			for i, step := range res.GeneratedSolutionSteps {
				fmt.Fprintf(out, "solution %d: %s\n", i+1, step)
			}
			return nil
		},
	}
	addServiceFlags(cmd)
	f := cmd.Flags()
	f.StringP("mode", "m", handler.ModeSimple, "Submission mode (simple, steps)")
	f.StringP("answer", "A", "", "Answer text (default: stdin)")
	f.String("steps-file", "", "File with one reasoning step per line")
	return cmd
}

func diagnosticCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostic",
		Short: "Take the placement test, or show its result with --status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openCLI(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			s, err := env.signedIn()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if viperForCmd(cmd).GetBool("status") {
				res, err := env.client.DiagnosticResult(env.ctx, s.Token, s.User.ID)
				if err != nil {
					return env.fail(err)
				}
				if res == nil {
					fmt.Fprintln(out, "no diagnostic result yet")
					return nil
				}
				fmt.Fprintf(out, "score: %d%%\nlevel: %s\n", res.ScorePercent(), res.EffectiveLevel())
				return nil
			}

			test, err := env.client.StartDiagnostic(env.ctx, s.Token, s.User.ID)
			if err != nil {
				return env.fail(err)
			}
			answers, err := askQuestions(cmd.InOrStdin(), out, test.Questions)
			if err != nil {
				return err
			}
			res, err := env.client.SubmitDiagnostic(env.ctx, s.Token, test.ID, model.DiagnosticSubmission{
				StudentID: s.User.ID,
				Answers:   answers,
			})
			if err != nil {
				return env.fail(err)
			}
			updated, err := env.guard.CompleteDiagnostic(env.ctx, *res)
			if err != nil {
				return env.fail(err)
			}
			fmt.Fprintln(out, appI18n.Td(env.ctx, "DiagnosticCompleted", map[string]any{
				"Score": res.ScorePercent(),
				"Level": res.EffectiveLevel(),
			}))
			if updated.User != nil {
				fmt.Fprintf(out, "home: %s\n", session.RootPath(*updated.User))
			}
			return nil
		},
	}
	addServiceFlags(cmd)
	cmd.Flags().Bool("status", false, "Show the last result instead of taking the test")
	return cmd
}

// askQuestions prints each question and reads the chosen option number. The
// answers hold the option texts.
func askQuestions(in io.Reader, out io.Writer, questions []model.DiagnosticQuestion) ([]string, error) {
	sc := bufio.NewScanner(in)
	answers := make([]string, 0, len(questions))
	for i, q := range questions {
		fmt.Fprintf(out, "\n%d. %s\n", i+1, q.QuestionText)
		for j, opt := range q.Options {
			fmt.Fprintf(out, "   %d) %s\n", j+1, opt)
		}
		for {
			fmt.Fprint(out, "> ")
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return nil, fmt.Errorf("read answer: %w", err)
				}
				return nil, io.ErrUnexpectedEOF
			}
			n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
			if err == nil && n >= 1 && n <= len(q.Options) {
				answers = append(answers, q.Options[n-1])
				break
			}
			fmt.Fprintf(out, "pick 1-%d\n", len(q.Options))
		}
	}
	return answers, nil
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <expected>",
		Short: "Compare an answer (from --answer or stdin) to the expected one, offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			ctx, err := localizedContext(cmd, v)
			if err != nil {
				return err
			}
			raw, err := readText(cmd, v.GetString("answer"))
			if err != nil {
				return err
			}

			verdict := answer.Check(raw, args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "final answer: %s\n", verdict.FinalAnswer)
			if verdict.Correct {
				fmt.Fprintln(out, appI18n.T(ctx, "AnswerCorrect"))
			} else {
				fmt.Fprintln(out, appI18n.T(ctx, "AnswerIncorrect"))
			}
			fmt.Fprintln(out, appI18n.Tp(ctx, "StepsExtracted", len(verdict.Steps)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringP("answer", "A", "", "Answer text (default: stdin)")
	f.StringP("lang", "l", "en", "UI language (en, fr)")
	return cmd
}

func stepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Extract reasoning steps and the final answer from text on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readText(cmd, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, step := range answer.ExtractSteps(raw) {
				fmt.Fprintf(out, "%d. %s\n", i+1, step)
			}
			fmt.Fprintf(out, "final answer: %s\n", answer.ExtractFinalAnswer(raw))
			return nil
		},
	}
	return cmd
}
