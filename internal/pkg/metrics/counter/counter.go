package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lunaria-app/lunaria/internal/pkg/cache"
	"github.com/lunaria-app/lunaria/internal/pkg/database"
)

const questionsAskedKey = "user:counters:questions"

// AddQuestionAsked increments the pending questions-asked counter for a user
// in Redis. The tally is flushed to the database in batches by the job
// manager, so a hot chat session never turns into per-message UPDATEs.
func AddQuestionAsked(userID uint) error {
	ctx := context.Background()
	field := strconv.FormatUint(uint64(userID), 10)
	return cache.GetClient().HIncrBy(ctx, questionsAskedKey, field, 1).Err()
}

// FlushAll flushes pending counters to the database
func FlushAll() error {
	return flushHashToTable(questionsAskedKey, "entitlement_ledgers", "questions_asked", "user_id")
}

// flushHashToTable drains a Redis hash atomically and applies batched increments to the target table.
// Uses RENAME to a temporary key for atomic drain without losing in-flight increments.
func flushHashToTable(redisKey, table, column, keyColumn string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		// Some Redis libs return redis.Nil; treat as empty
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	// Ensure cleanup of tmpKey even if later steps fail
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	// Collect ids and increments; sort ids for stable SQL
	type pair struct {
		id  uint64
		inc int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		id, perr := strconv.ParseUint(k, 10, 64)
		if perr != nil {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{id: id, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })

	// Compose SQL
	// UPDATE <table> SET <column> = <column> + CASE <key> WHEN ? THEN ? ... END WHERE <key> IN ( ... )
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("UPDATE ")
	builder.WriteString(table)
	builder.WriteString(" SET ")
	builder.WriteString(column)
	builder.WriteString(" = ")
	builder.WriteString(column)
	builder.WriteString(" + CASE ")
	builder.WriteString(keyColumn)
	for _, p := range pairs {
		builder.WriteString(" WHEN ? THEN ?")
		args = append(args, p.id, p.inc)
	}
	builder.WriteString(" END WHERE ")
	builder.WriteString(keyColumn)
	builder.WriteString(" IN (")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("?")
		args = append(args, p.id)
	}
	builder.WriteString(")")

	sql := builder.String()
	db := database.GetDB()
	if err := db.Exec(sql, args...).Error; err != nil {
		return err
	}
	return nil
}
