package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/hybridkv/core/dataset"
	"github.com/sushant-115/hybridkv/core/shard"
)

var errUsage = errors.New("wrong number of arguments")

type command struct {
	name  string
	usage string
	// arity is the minimum number of arguments after the name.
	arity int
	run   func(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error
}

var commands = []command{
	{"SET", "SET key value", 2, cmdSet},
	{"GET", "GET key", 1, cmdGet},
	{"DEL", "DEL key [key ...]", 1, cmdDel},
	{"APPEND", "APPEND key value", 2, cmdAppend},
	{"INCR", "INCR key", 1, cmdIncr(1)},
	{"DECR", "DECR key", 1, cmdIncr(-1)},
	{"INCRBY", "INCRBY key delta", 2, cmdIncrBy},
	{"LPUSH", "LPUSH key value [value ...]", 2, cmdPush(true)},
	{"RPUSH", "RPUSH key value [value ...]", 2, cmdPush(false)},
	{"LPOP", "LPOP key", 1, cmdPop(true)},
	{"RPOP", "RPOP key", 1, cmdPop(false)},
	{"LRANGE", "LRANGE key start stop", 3, cmdLRange},
	{"SADD", "SADD key member [member ...]", 2, cmdSAdd},
	{"SREM", "SREM key member [member ...]", 2, cmdSRem},
	{"SMEMBERS", "SMEMBERS key", 1, cmdSMembers},
	{"ZADD", "ZADD key score member [score member ...]", 3, cmdZAdd},
	{"ZREM", "ZREM key member [member ...]", 2, cmdZRem},
	{"ZRANGE", "ZRANGE key", 1, cmdZRange},
	{"HSET", "HSET key field value [field value ...]", 3, cmdHSet},
	{"HDEL", "HDEL key field [field ...]", 2, cmdHDel},
	{"HGET", "HGET key field", 2, cmdHGet},
	{"HGETALL", "HGETALL key", 1, cmdHGetAll},
	{"EXISTS", "EXISTS key", 1, cmdExists},
	{"TYPE", "TYPE key", 1, cmdType},
	{"EXPIRE", "EXPIRE key seconds", 2, cmdExpire},
	{"TTL", "TTL key", 1, cmdTTL},
	{"CHECKPOINT", "CHECKPOINT [norotate]", 0, cmdCheckpoint},
	{"HANGUP", "HANGUP", 0, control((*shard.Shard).Hangup)},
	{"RESUME", "RESUME", 0, control((*shard.Shard).Resume)},
	{"BLOCK", "BLOCK", 0, control((*shard.Shard).Block)},
	{"UNBLOCK", "UNBLOCK", 0, control((*shard.Shard).Unblock)},
	{"GIVEUP", "GIVEUP", 0, cmdGiveUp},
	{"STATS", "STATS", 0, cmdStats},
	{"SNAPSHOT", "SNAPSHOT path [bytes_per_sec]", 1, cmdSnapshot},
}

func findCommand(name string) (command, bool) {
	name = strings.ToUpper(name)
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// execute runs one tokenized command line against s.
func execute(ctx context.Context, s *shard.Shard, tokens []string, out io.Writer) error {
	if len(tokens) == 0 {
		return nil
	}
	if strings.EqualFold(tokens[0], "HELP") {
		printHelp(out)
		return nil
	}
	c, ok := findCommand(tokens[0])
	if !ok {
		return fmt.Errorf("unknown command %q, try HELP", tokens[0])
	}
	args := tokens[1:]
	if len(args) < c.arity {
		return fmt.Errorf("%w, usage: %s", errUsage, c.usage)
	}
	return c.run(ctx, s, args, out)
}

func printHelp(out io.Writer) {
	for _, c := range commands {
		fmt.Fprintf(out, "  %s\n", c.usage)
	}
	fmt.Fprintln(out, "  HELP")
	fmt.Fprintln(out, "  EXIT")
}

// tokenize splits a line on spaces, keeping double-quoted runs together.
func tokenize(line string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		quoted  bool
		started bool
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '\\' && quoted && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case ch == '"':
			quoted = !quoted
			started = true
		case (ch == ' ' || ch == '\t') && !quoted:
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(ch)
			started = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if started {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func printBulk(out io.Writer, b []byte, found bool) {
	if !found {
		fmt.Fprintln(out, "(nil)")
		return
	}
	fmt.Fprintf(out, "%q\n", b)
}

func printInt(out io.Writer, n int64) {
	fmt.Fprintf(out, "(integer) %d\n", n)
}

func printStrings(out io.Writer, items []string) {
	if len(items) == 0 {
		fmt.Fprintln(out, "(empty)")
		return
	}
	for i, item := range items {
		fmt.Fprintf(out, "%d) %q\n", i+1, item)
	}
}

func cmdSet(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	if len(args) != 2 {
		return errUsage
	}
	if err := s.Set(ctx, args[0], []byte(args[1])); err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func cmdGet(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	v, found, err := s.Get(ctx, args[0])
	if err != nil {
		return err
	}
	printBulk(out, v, found)
	return nil
}

func cmdDel(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	var n int64
	for _, key := range args {
		existed, err := s.Del(ctx, key)
		if err != nil {
			return err
		}
		if existed {
			n++
		}
	}
	printInt(out, n)
	return nil
}

func cmdAppend(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	n, err := s.Append(ctx, args[0], []byte(args[1]))
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdIncr(delta int64) func(context.Context, *shard.Shard, []string, io.Writer) error {
	return func(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
		n, err := s.IncrBy(ctx, args[0], delta)
		if err != nil {
			return err
		}
		printInt(out, n)
		return nil
	}
}

func cmdIncrBy(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("delta is not an integer: %w", err)
	}
	return cmdIncr(delta)(ctx, s, args[:1], out)
}

func cmdPush(left bool) func(context.Context, *shard.Shard, []string, io.Writer) error {
	return func(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
		values := make([][]byte, 0, len(args)-1)
		for _, a := range args[1:] {
			values = append(values, []byte(a))
		}
		push := s.RPush
		if left {
			push = s.LPush
		}
		n, err := push(ctx, args[0], values...)
		if err != nil {
			return err
		}
		printInt(out, int64(n))
		return nil
	}
}

func cmdPop(left bool) func(context.Context, *shard.Shard, []string, io.Writer) error {
	return func(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
		pop := s.RPop
		if left {
			pop = s.LPop
		}
		v, found, err := pop(ctx, args[0])
		if err != nil {
			return err
		}
		printBulk(out, v, found)
		return nil
	}
}

func cmdLRange(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	start, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("start is not an integer: %w", err)
	}
	stop, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("stop is not an integer: %w", err)
	}
	items, err := s.LRange(ctx, args[0], start, stop)
	if err != nil {
		return err
	}
	strs := make([]string, len(items))
	for i, item := range items {
		strs[i] = string(item)
	}
	printStrings(out, strs)
	return nil
}

func cmdSAdd(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	n, err := s.SAdd(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdSRem(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	n, err := s.SRem(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdSMembers(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	members, err := s.SMembers(ctx, args[0])
	if err != nil {
		return err
	}
	sort.Strings(members)
	printStrings(out, members)
	return nil
}

func cmdZAdd(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	pairs := args[1:]
	if len(pairs)%2 != 0 {
		return errUsage
	}
	members := make([]dataset.ScoredMember, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		score, err := strconv.ParseFloat(pairs[i], 64)
		if err != nil {
			return fmt.Errorf("score is not a number: %w", err)
		}
		members = append(members, dataset.ScoredMember{Member: pairs[i+1], Score: score})
	}
	n, err := s.ZAdd(ctx, args[0], members...)
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdZRem(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	n, err := s.ZRem(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdZRange(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	members, err := s.ZRange(ctx, args[0])
	if err != nil {
		return err
	}
	strs := make([]string, len(members))
	for i, m := range members {
		strs[i] = m.Member + " " + strconv.FormatFloat(m.Score, 'g', -1, 64)
	}
	printStrings(out, strs)
	return nil
}

func cmdHSet(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	pairs := args[1:]
	if len(pairs)%2 != 0 {
		return errUsage
	}
	fields := make(map[string][]byte, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields[pairs[i]] = []byte(pairs[i+1])
	}
	n, err := s.HSet(ctx, args[0], fields)
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdHDel(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	n, err := s.HDel(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	printInt(out, int64(n))
	return nil
}

func cmdHGet(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	v, found, err := s.HGet(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printBulk(out, v, found)
	return nil
}

func cmdHGetAll(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	fields, err := s.HGetAll(ctx, args[0])
	if err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	strs := make([]string, 0, len(names))
	for _, f := range names {
		strs = append(strs, f+"="+string(fields[f]))
	}
	printStrings(out, strs)
	return nil
}

func cmdExists(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	ok, err := s.Exists(ctx, args[0])
	if err != nil {
		return err
	}
	var n int64
	if ok {
		n = 1
	}
	printInt(out, n)
	return nil
}

func cmdType(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	kind, err := s.Type(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, kind)
	return nil
}

func cmdExpire(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	secs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("seconds is not an integer: %w", err)
	}
	ok, err := s.Expire(ctx, args[0], time.Duration(secs)*time.Second)
	if err != nil {
		return err
	}
	var n int64
	if ok {
		n = 1
	}
	printInt(out, n)
	return nil
}

func cmdTTL(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	exists, err := s.Exists(ctx, args[0])
	if err != nil {
		return err
	}
	if !exists {
		printInt(out, -2)
		return nil
	}
	ttl, has, err := s.TTL(ctx, args[0])
	if err != nil {
		return err
	}
	if !has {
		printInt(out, -1)
		return nil
	}
	printInt(out, int64(ttl.Round(time.Second)/time.Second))
	return nil
}

func cmdCheckpoint(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	rotate := !(len(args) > 0 && strings.EqualFold(args[0], "norotate"))
	status, err := s.StartCheckpoint(ctx, rotate)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, status)
	return nil
}

func control(fn func(*shard.Shard, context.Context) error) func(context.Context, *shard.Shard, []string, io.Writer) error {
	return func(ctx context.Context, s *shard.Shard, _ []string, out io.Writer) error {
		if err := fn(s, ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	}
}

func cmdGiveUp(ctx context.Context, s *shard.Shard, _ []string, out io.Writer) error {
	gaveUp, err := s.GiveUpDrain(ctx)
	if err != nil {
		return err
	}
	if gaveUp {
		fmt.Fprintln(out, "OK")
	} else {
		fmt.Fprintln(out, "no drain running")
	}
	return nil
}

func cmdStats(ctx context.Context, s *shard.Shard, _ []string, out io.Writer) error {
	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func cmdSnapshot(ctx context.Context, s *shard.Shard, args []string, out io.Writer) error {
	var rate int64
	if len(args) > 1 {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bytes_per_sec is not an integer: %w", err)
		}
		rate = n
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	n, err := s.Snapshot(ctx, f, rate)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(args[0])
		return err
	}
	fmt.Fprintf(out, "wrote %d bytes to %s\n", n, args[0])
	return nil
}
