package stm_test

import (
	"context"
	"fmt"
	"time"

	"go-stm/stm"
)

func Example() {
	ctx := context.Background()
	s := stm.New(ctx)
	defer s.Close()

	// создание ссылки
	n := stm.NewIntRef(s, 3)

	// чтение
	v, _ := stm.Execute(ctx, s.NewExecutor(), func(tx *stm.Tx) (int64, error) {
		return n.Get(tx)
	})
	fmt.Println(v)

	// запись
	_ = s.Atomically(ctx, func(tx *stm.Tx) error {
		return n.Set(tx, 12)
	})

	// обновление
	_ = s.Atomically(ctx, func(tx *stm.Tx) error {
		_, err := n.Alter(tx, func(cur int64) int64 { return cur * 2 })
		return err
	})

	// блокировка до выполнения условия
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Atomically(ctx, func(tx *stm.Tx) error {
			return n.Set(tx, 100)
		})
	}()
	_ = s.Atomically(ctx, func(tx *stm.Tx) error {
		return n.Await(tx, func(cur int64) bool { return cur == 100 })
	})

	// первая неблокирующая альтернатива
	var picked string
	_ = s.Atomically(ctx, stm.OrElse(
		func(tx *stm.Tx) error {
			if err := n.Await(tx, func(cur int64) bool { return cur < 0 }); err != nil {
				return err
			}
			picked = "negative"
			return nil
		},
		func(tx *stm.Tx) error {
			picked = "fallback"
			return nil
		},
	))

	fmt.Println(n.AtomicWeakGet(), n.Version(), picked)
	// Output:
	// 3
	// 100 3 fallback
}
