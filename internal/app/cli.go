package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nuetzliches/sbinspect/internal/admin"
	"github.com/nuetzliches/sbinspect/internal/config"
	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

// cmdEnv is what a message command runs against once flags, config and the
// backend are resolved.
type cmdEnv struct {
	svc      *inspect.Service
	compiled config.Compiled
	entity   queue.Entity
	sub      queue.SubQueue
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
}

type commandRun func(ctx context.Context, env *cmdEnv) int

type messageCommand struct {
	name string
	// targetOnly commands address a queue or a topic; a subscription is
	// not required.
	targetOnly bool
	// bind registers flags. check runs after parsing, before the backend is
	// opened.
	bind func(fs *flag.FlagSet) (check func() error, run commandRun)
}

var messageCommands = map[string]messageCommand{
	"peek":              {name: "peek", bind: bindPeek},
	"exists":            {name: "exists", bind: bindExists},
	"delete":            {name: "delete", bind: bindMutate(mutateDelete)},
	"requeue":           {name: "requeue", bind: bindMutate(mutateRequeue)},
	"reschedule":        {name: "reschedule", bind: bindMutate(mutateReschedule)},
	"dead-letter":       {name: "dead-letter", bind: bindMutate(mutateDeadLetter)},
	"purge":             {name: "purge", bind: bindPurge},
	"delete-matching":   {name: "delete-matching", bind: bindMatching(false)},
	"resubmit-matching": {name: "resubmit-matching", bind: bindMatching(true)},
	"send":              {name: "send", targetOnly: true, bind: bindSend},
}

type entityFlags struct {
	queue        *string
	topic        *string
	subscription *string
	sub          *string
}

func addEntityFlags(fs *flag.FlagSet) *entityFlags {
	return &entityFlags{
		queue:        fs.String("queue", "", "queue name"),
		topic:        fs.String("topic", "", "topic name"),
		subscription: fs.String("subscription", "", "subscription name (with --topic)"),
		sub:          fs.String("sub", "main", "sub-queue: main|dead"),
	}
}

func (f *entityFlags) resolve(targetOnly bool) (queue.Entity, queue.SubQueue, error) {
	sub, err := queue.ParseSubQueue(*f.sub)
	if err != nil {
		return queue.Entity{}, 0, err
	}
	var e queue.Entity
	if strings.TrimSpace(*f.queue) != "" {
		e = queue.QueueEntity(*f.queue)
	} else {
		e = queue.SubscriptionEntity(*f.topic, *f.subscription)
	}
	if targetOnly && e.Queue == "" && e.Topic != "" && e.Subscription == "" {
		return e, sub, nil
	}
	if err := e.Validate(); err != nil {
		return queue.Entity{}, 0, err
	}
	return e, sub, nil
}

func runMessageCmd(cmd messageCommand, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	bf := addBackendFlags(fs)
	ef := addEntityFlags(fs)
	check, run := cmd.bind(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "%s: unexpected positional arguments\n", cmd.name)
		return 2
	}
	entity, sub, err := ef.resolve(cmd.targetOnly)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return 2
	}
	if check != nil {
		if err := check(); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
			return 2
		}
	}

	compiled, warnings, err := bf.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return 1
	}
	logger, release, err := bf.logger(compiled)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return 2
	}
	defer release()
	for _, w := range warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}

	store, err := openStore(compiled.Backend)
	if err != nil {
		logger.Error("open_queue_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provisionEntities(ctx, store, compiled.Entities, logger); err != nil {
		logger.Error("provision_failed", slog.Any("err", err))
		return 1
	}

	svc := inspect.NewService(store, compiled.Inspect)
	svc.Logger = logger
	return run(ctx, &cmdEnv{
		svc:      svc,
		compiled: compiled,
		entity:   entity,
		sub:      sub,
		logger:   logger,
		stdout:   stdout,
		stderr:   stderr,
	})
}

func (env *cmdEnv) printJSON(v any) int {
	if err := json.NewEncoder(env.stdout).Encode(v); err != nil {
		fmt.Fprintln(env.stderr, err.Error())
		return 1
	}
	return 0
}

func (env *cmdEnv) fail(err error) int {
	fmt.Fprintln(env.stderr, err.Error())
	return 1
}

func bindPeek(fs *flag.FlagSet) (func() error, commandRun) {
	limit := fs.Int("max", 100, "maximum number of messages")
	from := fs.Int64("from", 0, "first sequence number")
	format := fs.String("format", "json", "output format: json|text")
	check := func() error {
		if *limit <= 0 {
			return errors.New("--max must be positive")
		}
		if *from < 0 {
			return errors.New("--from must not be negative")
		}
		if *format != "json" && *format != "text" {
			return fmt.Errorf("invalid --format %q (use: json|text)", *format)
		}
		return nil
	}
	return check, func(ctx context.Context, env *cmdEnv) int {
		msgs, err := env.svc.Browse(ctx, env.entity, env.sub, *limit, *from)
		if err != nil {
			return env.fail(err)
		}
		if *format == "text" {
			return printMessageTable(env.stdout, msgs)
		}
		for _, m := range msgs {
			if code := env.printJSON(admin.NewMessageView(m)); code != 0 {
				return code
			}
		}
		return 0
	}
}

func printMessageTable(w io.Writer, msgs []queue.Message) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tSTATE\tDELIVERIES\tENQUEUED\tSUBJECT")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			m.SequenceNumber, m.ID, m.State, m.DeliveryCount,
			m.EnqueuedTime.UTC().Format(time.RFC3339), m.Subject)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

func addSeqFlag(fs *flag.FlagSet) *int64 {
	return fs.Int64("seq", -1, "message sequence number")
}

func checkSeq(seq *int64) error {
	if *seq < 0 {
		return errors.New("--seq is required")
	}
	return nil
}

// bindExists exits 0 when the message exists and 1 when it does not.
func bindExists(fs *flag.FlagSet) (func() error, commandRun) {
	seq := addSeqFlag(fs)
	return func() error { return checkSeq(seq) }, func(ctx context.Context, env *cmdEnv) int {
		ok, err := env.svc.CheckExists(ctx, env.entity, env.sub, *seq)
		if err != nil {
			return env.fail(err)
		}
		if code := env.printJSON(map[string]bool{"exists": ok}); code != 0 {
			return code
		}
		if !ok {
			return 1
		}
		return 0
	}
}

type mutateFlags struct {
	at          *string
	reason      *string
	description *string
}

type mutateKind int

const (
	mutateDelete mutateKind = iota
	mutateRequeue
	mutateReschedule
	mutateDeadLetter
)

type mutateOutput struct {
	Outcome inspect.Outcome `json:"outcome"`
	OK      bool            `json:"ok"`
	Batches int             `json:"batches"`
	Error   string          `json:"error,omitempty"`
}

func bindMutate(kind mutateKind) func(fs *flag.FlagSet) (func() error, commandRun) {
	return func(fs *flag.FlagSet) (func() error, commandRun) {
		seq := addSeqFlag(fs)
		skipPeek := fs.Bool("skip-peek", false, "skip the peek that verifies the message exists")
		var mf mutateFlags
		switch kind {
		case mutateReschedule:
			mf.at = fs.String("at", "", "new scheduled enqueue time (RFC 3339)")
		case mutateDeadLetter:
			mf.reason = fs.String("reason", inspect.ManualDeadLetterReason, "dead-letter reason")
			mf.description = fs.String("description", "", "dead-letter description")
		}

		var action inspect.Action
		check := func() error {
			if err := checkSeq(seq); err != nil {
				return err
			}
			switch kind {
			case mutateReschedule:
				if strings.TrimSpace(*mf.at) == "" {
					return errors.New("--at is required")
				}
				at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*mf.at))
				if err != nil {
					return fmt.Errorf("--at must be an RFC 3339 timestamp: %v", err)
				}
				action = inspect.Reschedule(at.UTC())
			case mutateDeadLetter:
				reason := strings.TrimSpace(*mf.reason)
				if reason == "" {
					reason = inspect.ManualDeadLetterReason
				}
				action = inspect.DeadLetter(reason, strings.TrimSpace(*mf.description))
			case mutateRequeue:
				action = inspect.Requeue()
			}
			return nil
		}
		return check, func(ctx context.Context, env *cmdEnv) int {
			if kind == mutateDelete {
				action = inspect.Delete(env.sub)
			}
			var opts []inspect.MutateOption
			if *skipPeek {
				opts = append(opts, inspect.WithSkipPeekVerification(true))
			}
			res := env.svc.MutateOne(ctx, env.entity, *seq, action, opts...)
			out := mutateOutput{Outcome: res.Outcome, OK: res.OK(), Batches: res.Batches}
			if res.Err != nil {
				out.Error = res.Err.Error()
			}
			if code := env.printJSON(out); code != 0 {
				return code
			}
			if !res.OK() {
				return 1
			}
			return 0
		}
	}
}

type bulkOutput struct {
	Count    int    `json:"count"`
	Canceled bool   `json:"canceled,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (env *cmdEnv) printBulk(n int, err error) int {
	out := bulkOutput{Count: n}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		out.Canceled = true
	default:
		out.Error = err.Error()
	}
	if code := env.printJSON(out); code != 0 {
		return code
	}
	if err != nil {
		return 1
	}
	return 0
}

func (env *cmdEnv) progress(op string) inspect.ProgressFunc {
	return func(count int) {
		env.logger.Info("progress", slog.String("op", op), slog.String("entity", env.entity.Path()), slog.Int("count", count))
	}
}

func bindPurge(fs *flag.FlagSet) (func() error, commandRun) {
	return nil, func(ctx context.Context, env *cmdEnv) int {
		n, err := env.svc.Drain(ctx, env.entity, env.sub, env.progress(inspect.OpDrain))
		return env.printBulk(n, err)
	}
}

type filterList []string

func (l *filterList) String() string { return strings.Join(*l, ",") }

func (l *filterList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func bindMatching(resubmit bool) func(fs *flag.FlagSet) (func() error, commandRun) {
	return func(fs *flag.FlagSet) (func() error, commandRun) {
		var exprs filterList
		fs.Var(&exprs, "filter", "filter field:name:operator:value (repeatable)")
		setName := fs.String("filter-set", "", "named filter set from the config")
		filtersFile := fs.String("filters-file", "", "JSON file holding a filter array")

		var parsed []filter.Filter
		check := func() error {
			sources := 0
			for _, set := range []bool{len(exprs) > 0, *setName != "", *filtersFile != ""} {
				if set {
					sources++
				}
			}
			if sources != 1 {
				return errors.New("exactly one of --filter, --filter-set or --filters-file is required")
			}
			for _, expr := range exprs {
				f, err := filter.Parse(expr)
				if err != nil {
					return err
				}
				parsed = append(parsed, f)
			}
			if *filtersFile != "" {
				b, err := os.ReadFile(*filtersFile)
				if err != nil {
					return err
				}
				if parsed, err = filter.DecodeList(b); err != nil {
					return err
				}
			}
			return nil
		}
		return check, func(ctx context.Context, env *cmdEnv) int {
			filters := parsed
			if *setName != "" {
				set, ok := env.compiled.FilterSets[*setName]
				if !ok {
					return env.fail(fmt.Errorf("unknown filter set %q", *setName))
				}
				filters = set
			}
			var (
				n   int
				err error
			)
			if resubmit {
				n, err = env.svc.ResubmitMatching(ctx, env.entity, filters, env.progress(inspect.OpResubmitMatching))
			} else {
				n, err = env.svc.DeleteMatching(ctx, env.entity, env.sub, filters, env.progress(inspect.OpDeleteMatching))
			}
			return env.printBulk(n, err)
		}
	}
}

type propertyList map[string]queue.Value

func (p propertyList) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v.String())
	}
	return strings.Join(parts, ",")
}

// Set parses name=value or name:type=value.
func (p propertyList) Set(raw string) error {
	key, val, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("property %q: want name[:type]=value", raw)
	}
	name, kind, _ := strings.Cut(key, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("property %q: empty name", raw)
	}
	v, err := queue.ParseValue(kind, val)
	if err != nil {
		return fmt.Errorf("property %q: %w", raw, err)
	}
	p[name] = v
	return nil
}

func bindSend(fs *flag.FlagSet) (func() error, commandRun) {
	body := fs.String("body", "", "message body")
	bodyFile := fs.String("body-file", "", "read the message body from a file")
	id := fs.String("id", "", "message id (generated when empty)")
	subject := fs.String("subject", "", "message subject")
	contentType := fs.String("content-type", "", "content type")
	at := fs.String("at", "", "schedule the message for this time (RFC 3339)")
	deadLetter := fs.Bool("dead-letter", false, "place the message directly into the dead-letter sub-queue")
	props := propertyList{}
	fs.Var(props, "property", "application property name[:type]=value (repeatable)")

	var (
		msg       queue.OutgoingMessage
		scheduled time.Time
	)
	check := func() error {
		if *body != "" && *bodyFile != "" {
			return errors.New("--body and --body-file are mutually exclusive")
		}
		msg = queue.OutgoingMessage{
			ID:          strings.TrimSpace(*id),
			Subject:     *subject,
			ContentType: *contentType,
			Body:        []byte(*body),
		}
		if *bodyFile != "" {
			b, err := os.ReadFile(*bodyFile)
			if err != nil {
				return err
			}
			msg.Body = b
		}
		if len(props) > 0 {
			msg.Properties = map[string]queue.Value(props)
		}
		if raw := strings.TrimSpace(*at); raw != "" {
			if *deadLetter {
				return errors.New("--at cannot be combined with --dead-letter")
			}
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return fmt.Errorf("--at must be an RFC 3339 timestamp: %v", err)
			}
			scheduled = t.UTC()
		}
		return nil
	}
	return check, func(ctx context.Context, env *cmdEnv) int {
		var (
			seq int64
			err error
		)
		if *deadLetter {
			if err := env.entity.Validate(); err != nil {
				return env.fail(err)
			}
			seq, err = env.svc.SendToDeadLetter(ctx, env.entity, msg)
		} else {
			seq, err = env.svc.Send(ctx, env.entity.SendTarget(), msg, scheduled)
		}
		if err != nil {
			return env.fail(err)
		}
		return env.printJSON(map[string]int64{"sequence_number": seq})
	}
}
