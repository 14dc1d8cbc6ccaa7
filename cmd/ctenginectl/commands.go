package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyphertite/ctengine/internal/config"
	"github.com/cyphertite/ctengine/internal/ctfile"
	"github.com/cyphertite/ctengine/internal/ctlog"
	"github.com/cyphertite/ctengine/internal/resolver"
	"github.com/cyphertite/ctengine/internal/scheduler"
	"github.com/cyphertite/ctengine/internal/transaction"
	"github.com/cyphertite/ctengine/internal/wire"
)

// engine bundles everything one subcommand invocation needs, built
// fresh per command from resolved configuration. Its scheduler is the
// dispatch path the archive, extract, delete and cull subcommands drive
// their ops through (spec.md's operation scheduler, C4); list calls
// wireLister directly and secrets sync only prints a message.
type engine struct {
	settings *config.Settings
	cache    *resolver.Cache
	pool     *transaction.Pool
	stats    transaction.Stats
	codec    *wire.Codec
	conn     interface{ Close() error }
	sched    *scheduler.Scheduler
}

func newEngine(serverOverride string) (*engine, error) {
	path, err := config.DiscoverPath(flagConfig)
	if err != nil {
		return nil, err
	}
	settings, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cache, err := resolver.NewCache(settings.CtfileCacheDir)
	if err != nil {
		return nil, err
	}
	pool := transaction.NewPool(settings.QueueDepth)

	addr := serverOverride
	if addr == "" {
		addr = flagServer
	}
	var codec *wire.Codec
	var conn interface{ Close() error }
	if addr != "" {
		transport := tlsTransport{addr: addr}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := transport.Dial(ctx)
		if err != nil {
			return nil, err
		}
		throttled := newThrottledConn(c, settings.Bandwidth)
		codec = wire.NewCodec(throttled)
		conn = c
	}

	e := &engine{settings: settings, cache: cache, pool: pool, codec: codec, conn: conn}
	e.sched = scheduler.New(e.dispatch)
	return e, nil
}

func (e *engine) close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

// dispatch is the scheduler.Dispatcher every op in this CLI runs
// through. It runs the op's blocking work, then immediately calls
// Complete so that op's Next continuation (which may splice more ops
// ahead, e.g. cull's List -> Collect -> delete/shas/complete) and the
// following op's dispatch both happen before this call returns — this
// CLI has no separate reply-pump goroutine to re-enter Complete from
// later, so one op's dispatch chains straight into the next.
func (e *engine) dispatch(op *scheduler.Op) error {
	if err := e.runOp(op); err != nil {
		return err
	}
	_, err := e.sched.Complete()
	return err
}

func (e *engine) runOp(op *scheduler.Op) error {
	switch op.Action {
	case scheduler.ActionArchive:
		return e.runArchive(op)
	case scheduler.ActionExtract:
		return e.runExtract(op)
	case scheduler.ActionDelete:
		return e.runDelete(op)
	case scheduler.ActionCullSetup:
		return e.runCullSetup(op)
	case scheduler.ActionCullList:
		return e.runCullList(op)
	case scheduler.ActionCullCollect:
		return e.runCullCollect(op)
	case scheduler.ActionCullShas:
		return e.runCullShas(op)
	case scheduler.ActionCullComplete:
		return e.runCullComplete(op)
	default:
		return fmt.Errorf("scheduler: dispatch: unsupported action %s", op.Action)
	}
}

// runArchive drives one archive stream to completion and records its
// chain/chunk-count bookkeeping in the local cache.
func (e *engine) runArchive(op *scheduler.Op) error {
	stream := ctfile.NewStreamContext(ctfile.DirArchive, op.RemoteName, e.codec, e.pool, &e.stats)
	stream.Basis = op.Basis
	if err := stream.StartArchivePolled(op.LocalName); err != nil {
		return err
	}

	for stream.State == ctfile.StateActive {
		ok, err := stream.StepArchive()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	if stream.State != ctfile.StateClosing {
		return fmt.Errorf("archive stream ended in state %s, not CLOSING", stream.State)
	}

	var closeReply wire.MDCloseReply
	if _, err := e.codec.ReadXMLReply(&closeReply); err != nil {
		return err
	}
	if err := stream.HandleCloseReply(closeReply.Status); err != nil {
		return err
	}

	meta := resolver.Meta{Previous: op.Basis, Chunks: int(stream.BlockNo)}
	if err := resolver.WriteMeta(e.cache.GetCacheName(op.RemoteName), meta); err != nil {
		return err
	}
	ctlog.Infof("archive", "archived %s as %s (%s)", op.LocalName, op.RemoteName, e.stats.String())
	return nil
}

// extractScratch marks an extract Op as a lightweight metadata-only
// fetch (used while resolving a differential chain, including any chain
// link ChainFetchOps still finds uncached after resolution) versus a
// full content extract (the user-visible op).
type extractScratch struct {
	wantChunks bool
}

// runExtract drives one extract stream. With wantChunks true it pulls
// every chunk to op.LocalName; with wantChunks false it only opens and
// immediately closes the remote ctfile to learn its size and basis,
// leaving op.LocalName created but empty — used by ChainResolver.Fetch,
// which only needs chain metadata, not content. Either way the chain
// metadata is then written with WriteMeta at the cache path for
// op.RemoteName (for chain fetches that is op.LocalName itself).
func (e *engine) runExtract(op *scheduler.Op) error {
	wantChunks := true
	if sc, ok := op.Scratch.(*extractScratch); ok {
		wantChunks = sc.wantChunks
	}

	stream := ctfile.NewStreamContext(ctfile.DirExtract, op.RemoteName, e.codec, e.pool, &e.stats)
	reply, err := stream.StartExtractPolled(op.LocalName)
	if err != nil {
		return err
	}

	if wantChunks {
		for stream.State == ctfile.StateActive {
			ok, err := stream.StepExtract()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("transaction pool exhausted mid-extract; increase queue_depth")
			}
			h, body, err := e.codec.ReadFrame()
			if err != nil {
				return err
			}
			status := "ok"
			if h.Status != wire.StatusOK {
				status = "error"
			}
			done, err := stream.HandleChunkReply(status, body)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
	}

	if err := stream.FinishExtract(); err != nil {
		return err
	}
	var closeReply wire.MDCloseReply
	if _, err := e.codec.ReadXMLReply(&closeReply); err != nil {
		return err
	}
	if err := stream.HandleCloseReply(closeReply.Status); err != nil {
		return err
	}

	basis := ""
	if reply.Basis != "" {
		basis, err = wire.DecodeName(reply.Basis)
		if err != nil {
			return err
		}
	}
	chunks := int((reply.Size + ctfile.MaxBlockSize - 1) / ctfile.MaxBlockSize)
	meta := resolver.Meta{Previous: basis, Chunks: chunks}
	if err := resolver.WriteMeta(e.cache.GetCacheName(op.RemoteName), meta); err != nil {
		return err
	}
	ctlog.Infof("extract", "extracted %s to %s (basis=%q)", op.RemoteName, op.LocalName, basis)
	return nil
}

func (e *engine) runDelete(op *scheduler.Op) error {
	tag := e.codec.NextTag()
	req := wire.MDDelete{Version: wire.ProtocolVersion, Name: wire.EncodeName(op.RemoteName)}
	if err := e.codec.WriteXML(tag, wire.FlagMetadata, req); err != nil {
		return err
	}
	var reply wire.MDDeleteReply
	if _, err := e.codec.ReadXMLReply(&reply); err != nil {
		return err
	}
	ctlog.Infof("delete", "%s: %s", op.RemoteName, reply.Message)
	return nil
}

var archiveCmd = &cobra.Command{
	Use:   "archive <local-path> [tag]",
	Short: "Archive a local ctfile to the server",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine("")
		if err != nil {
			fatalf("%v", err)
		}
		defer e.close()

		tag := args[0]
		if len(args) == 2 {
			tag = args[1]
		}
		name, err := resolver.FindForArchive(e.cache, tag, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		if e.codec == nil {
			fatalf("archive requires --server")
		}

		e.sched.Enqueue(&scheduler.Op{
			Action:     scheduler.ActionArchive,
			LocalName:  args[0],
			RemoteName: name,
			Basis:      flagArchiveBasis,
		})
		if err := e.sched.Run(); err != nil {
			fatalf("%v", err)
		}
	},
}

var flagArchiveBasis string

var extractCmd = &cobra.Command{
	Use:   "extract <tag> <local-path>",
	Short: "Extract a remote ctfile (and its differential chain) to a local path",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine("")
		if err != nil {
			fatalf("%v", err)
		}
		defer e.close()
		if e.codec == nil {
			fatalf("extract requires --server")
		}

		tag, localPath := args[0], args[1]

		cr := &resolver.ChainResolver{
			Cache:  e.cache,
			Lister: wireLister{e: e},
			Reader: resolver.SidecarReader{},
			Fetch: func(name string) error {
				return e.runExtract(&scheduler.Op{
					Action:     scheduler.ActionExtract,
					RemoteName: name,
					LocalName:  e.cache.GetCacheName(name),
					Scratch:    &extractScratch{wantChunks: false},
				})
			},
		}

		name, ok, err := cr.FindForExtract(tag, scheduler.ActionExtract)
		if err != nil {
			fatalf("%v", err)
		}
		if !ok {
			fatalf("no ctfile matches %q", tag)
		}

		chain, err := cr.ResolveChain(name)
		if err != nil {
			fatalf("%v", err)
		}
		ctlog.Infof("extract", "resolved differential chain for %s: %v", name, chain)

		// Chain closure law: every link should already be cached by
		// ResolveChain's own Fetch calls. Anything ChainFetchOps still
		// finds uncached here gets a real scheduled fetch as a safety
		// net, and is logged since it means the invariant didn't hold.
		pending := resolver.ChainFetchOps(e.cache, chain, func(linkName string) *scheduler.Op {
			return &scheduler.Op{
				Action:     scheduler.ActionExtract,
				RemoteName: linkName,
				LocalName:  e.cache.GetCacheName(linkName),
				Scratch:    &extractScratch{wantChunks: false},
			}
		})
		for _, op := range pending {
			ctlog.Warnf("extract", "chain link %s was not cached after resolution; scheduling a fetch", op.RemoteName)
			e.sched.Enqueue(op)
		}

		e.sched.Enqueue(&scheduler.Op{
			Action:     scheduler.ActionExtract,
			RemoteName: name,
			LocalName:  localPath,
			Scratch:    &extractScratch{wantChunks: true},
		})
		if err := e.sched.Run(); err != nil {
			fatalf("%v", err)
		}
		ctlog.Infof("extract", "extracted %s to %s", name, localPath)
	},
}

var listCmd = &cobra.Command{
	Use:   "list [tag]",
	Short: "List remote ctfiles, optionally filtered by tag",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine("")
		if err != nil {
			fatalf("%v", err)
		}
		defer e.close()
		if e.codec == nil {
			fatalf("list requires --server")
		}

		pattern, mode := "*", scheduler.MatchGlob
		if len(args) == 1 {
			pattern, mode = resolver.ListPattern(args[0])
		}
		entries, err := (wireLister{e: e}).List(pattern, mode)
		if err != nil {
			fatalf("%v", err)
		}
		resolver.SortByDatePrefix(entries)
		for _, en := range entries {
			fmt.Printf("%s\t%d\t%s\n", en.Name, en.Size, en.Mtime.Format(time.RFC3339))
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete one remote ctfile by its on-server name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine("")
		if err != nil {
			fatalf("%v", err)
		}
		defer e.close()
		if e.codec == nil {
			fatalf("delete requires --server")
		}
		e.sched.Enqueue(&scheduler.Op{Action: scheduler.ActionDelete, RemoteName: args[0]})
		if err := e.sched.Run(); err != nil {
			fatalf("%v", err)
		}
	},
}

// cullState is the scratch shared by every op in one cull dialog, from
// setup through complete.
type cullState struct {
	uuid    string
	entries []resolver.ListEntry
	keep    map[string]int
}

// cullShasBatch is the scratch for one ct_cull_shas Op.
type cullShasBatch struct {
	uuid  string
	hexes []string
	eof   bool
}

var cullCmd = &cobra.Command{
	Use:   "cull",
	Short: "Collect unreferenced content chunks and authorize server GC",
	Run: func(cmd *cobra.Command, args []string) {
		e, err := newEngine("")
		if err != nil {
			fatalf("%v", err)
		}
		defer e.close()
		if e.settings.CtfileCullKeepDays == 0 {
			fatalf("ctfile_cull_keep_days must be configured to run cull")
		}
		if e.codec == nil {
			fatalf("cull requires --server")
		}

		cs := &cullState{}
		setup := &scheduler.Op{Action: scheduler.ActionCullSetup, Scratch: cs}
		setup.Next = func(s *scheduler.Scheduler, op *scheduler.Op) error {
			list := &scheduler.Op{Action: scheduler.ActionCullList, Scratch: cs}
			list.Next = func(s *scheduler.Scheduler, op *scheduler.Op) error {
				collect := &scheduler.Op{Action: scheduler.ActionCullCollect, Scratch: cs}
				collect.Next = e.cullCollectNext(cs)
				s.Enqueue(collect)
				return nil
			}
			s.Enqueue(list)
			return nil
		}

		e.sched.Enqueue(setup)
		if err := e.sched.Run(); err != nil {
			fatalf("%v", err)
		}
		ctlog.Infof("cull", "cull %s complete", cs.uuid)
	},
}

// cullCollectNext builds the delete queue and the batched precious-set
// ct_cull_shas ops from cs.keep, then the terminal ct_cull_complete —
// the continuation of the ActionCullCollect step (spec.md §4.5.4 steps
// 3 and 5).
func (e *engine) cullCollectNext(cs *cullState) func(*scheduler.Scheduler, *scheduler.Op) error {
	return func(s *scheduler.Scheduler, op *scheduler.Op) error {
		for _, name := range resolver.DeleteSet(cs.keep) {
			s.Enqueue(&scheduler.Op{Action: scheduler.ActionDelete, RemoteName: name})
		}

		shas := resolver.NewShaSet()
		for name, k := range cs.keep {
			if k == 0 {
				continue
			}
			if !e.cache.InCache(name) {
				ctlog.Warnf("cull", "%s is kept but not locally cached; its content hashes cannot be included in this precious set", name)
				continue
			}
			chunkShas, err := resolver.ShasOf(e.cache.GetCacheName(name))
			if err != nil {
				return err
			}
			for _, sha := range chunkShas {
				shas.Add(sha)
			}
		}

		batches := shas.Batches(resolver.SHASPerPacket)
		if len(batches) == 0 {
			batches = [][]string{nil}
		}
		for i, batch := range batches {
			s.Enqueue(&scheduler.Op{
				Action:  scheduler.ActionCullShas,
				Scratch: &cullShasBatch{uuid: cs.uuid, hexes: batch, eof: i == len(batches)-1},
			})
		}
		s.Enqueue(&scheduler.Op{Action: scheduler.ActionCullComplete, Scratch: cs})
		return nil
	}
}

func (e *engine) runCullSetup(op *scheduler.Op) error {
	cs := op.Scratch.(*cullState)
	cs.uuid = resolver.CullUUID()

	tag := e.codec.NextTag()
	req := wire.CullSetup{Version: wire.ProtocolVersion, Type: "precious", UUID: cs.uuid}
	if err := e.codec.WriteXML(tag, wire.FlagMetadata, req); err != nil {
		return err
	}
	var reply wire.CullSetupReply
	if _, err := e.codec.ReadXMLReply(&reply); err != nil {
		return err
	}
	return wire.ReplyStatusError("ct_cull_setup_reply", reply.Status)
}

func (e *engine) runCullList(op *scheduler.Op) error {
	cs := op.Scratch.(*cullState)
	entries, err := (wireLister{e: e}).List("*", scheduler.MatchGlob)
	if err != nil {
		return err
	}
	cs.entries = entries
	ctlog.Infof("cull", "listed %d remote ctfiles", len(entries))
	return nil
}

// runCullCollect implements ct_cull_collect_ctfiles: mark keep=1 on
// every ctfile at or after the configured cutoff, then walk "previous"
// to keep every ancestor alive too (spec.md §4.5.4 step 2). The
// ancestor graph is built from this engine's local cache bookkeeping;
// an entry this CLI has never cached contributes no ancestor edge.
func (e *engine) runCullCollect(op *scheduler.Op) error {
	cs := op.Scratch.(*cullState)

	names := make([]string, len(cs.entries))
	graph := resolver.CtfileGraph{}
	for i, en := range cs.entries {
		names[i] = en.Name
		prev := ""
		if e.cache.InCache(en.Name) {
			m, err := resolver.ReadMeta(e.cache.GetCacheName(en.Name))
			if err != nil {
				return err
			}
			prev = m.Previous
		}
		graph[en.Name] = prev
	}

	policy := resolver.CullPolicy{ExpireDays: e.settings.CtfileCullKeepDays, Now: time.Now()}
	keep, err := resolver.Collect(names, graph, policy)
	if err != nil {
		return err
	}
	cs.keep = keep
	ctlog.Infof("cull", "collected keep-counts for %d ctfiles", len(keep))
	return nil
}

func (e *engine) runCullShas(op *scheduler.Op) error {
	batch := op.Scratch.(*cullShasBatch)
	shas := make([]wire.CullSHA, len(batch.hexes))
	for i, h := range batch.hexes {
		shas[i] = wire.CullSHA{Hex: h}
	}

	tag := e.codec.NextTag()
	req := wire.CullShas{Version: wire.ProtocolVersion, UUID: batch.uuid, Eof: batch.eof, Shas: shas}
	if err := e.codec.WriteXML(tag, wire.FlagMetadata, req); err != nil {
		return err
	}
	var reply wire.CullShasReply
	if _, err := e.codec.ReadXMLReply(&reply); err != nil {
		return err
	}
	return wire.ReplyStatusError("ct_cull_shas_reply", reply.Status)
}

func (e *engine) runCullComplete(op *scheduler.Op) error {
	cs := op.Scratch.(*cullState)
	tag := e.codec.NextTag()
	req := wire.CullComplete{Version: wire.ProtocolVersion, Type: "process", UUID: cs.uuid}
	if err := e.codec.WriteXML(tag, wire.FlagMetadata, req); err != nil {
		return err
	}
	var reply wire.CullCompleteReply
	if _, err := e.codec.ReadXMLReply(&reply); err != nil {
		return err
	}
	return wire.ReplyStatusError("ct_cull_complete_reply", reply.Status)
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Crypto-secrets file management",
}

var secretsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local secrets file against the server's newest copy",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("secrets sync: see internal/secrets.Sync, wired against a secrets.Codec implementation")
	},
}

func init() {
	archiveCmd.Flags().StringVar(&flagArchiveBasis, "basis", "", "prior on-server ctfile name this archive is differential against")
	secretsCmd.AddCommand(secretsSyncCmd)
}
