package dqnalloc_test

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/pavanmanishd/dqnalloc"
)

// BenchmarkConcurrencyPatterns tests various concurrent usage patterns
func BenchmarkConcurrencyPatterns(b *testing.B) {
	b.Run("SafeArena_Sequential", func(b *testing.B) {
		s := dqnalloc.NewSafeArena(newArena(b, 1<<20))
		defer s.Free()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = s.Allocate(64, 8, false)
			if i%1000 == 999 {
				s.ResetUsage(false)
			}
		}
	})

	b.Run("SafeArena_Parallel", func(b *testing.B) {
		s := dqnalloc.NewSafeArena(newArena(b, 1<<20))
		defer s.Free()

		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				// Blocks grow as needed; nothing resets under other goroutines.
				_, _ = s.Allocate(64, 8, false)
			}
		})
	})

	b.Run("Arena_PerGoroutine", func(b *testing.B) {
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			a := newArena(b, 1<<20)
			defer a.Free()

			i := 0
			for pb.Next() {
				_, _ = a.Allocate(64, 8, false)
				i++
				if i%1000 == 999 {
					a.ResetUsage(false)
				}
			}
		})
	})

	b.Run("Builtin_Parallel", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			var buf []byte
			for pb.Next() {
				buf = make([]byte, 64)
			}
			_ = buf
		})
	})
}

// BenchmarkContention scales the number of goroutines sharing one SafeArena
func BenchmarkContention(b *testing.B) {
	for _, procs := range []int{1, 2, 4, 8} {
		b.Run(fmt.Sprintf("SafeArena_%dx", procs), func(b *testing.B) {
			s := dqnalloc.NewSafeArena(newArena(b, 1<<20))
			defer s.Free()

			b.SetParallelism(procs)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					_, _ = s.Allocate(32, 8, false)
				}
			})
		})
	}
}

// BenchmarkSafeArenaScopes runs whole regions under the lock
func BenchmarkSafeArenaScopes(b *testing.B) {
	s := dqnalloc.NewSafeArena(newArena(b, 64<<10))
	defer s.Free()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = s.Do(func(a *dqnalloc.Arena) error {
				return a.Scope(func() error {
					for j := 0; j < 8; j++ {
						if _, err := a.Allocate(128, 16, false); err != nil {
							return err
						}
					}
					return nil
				})
			})
			runtime.Gosched()
		}
	})
}
