package recordkv_test

import (
	"fmt"

	"github.com/aalhour/recordkv"
)

func ExampleOpenEnvironment() {
	env, err := recordkv.OpenEnvironment(recordkv.DefaultEnvironmentOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = env.Close() }()

	table, err := env.OpenTable(recordkv.DefaultTableOptions("example"))
	if err != nil {
		panic(err)
	}

	if _, err := table.Put(nil, recordkv.String("k"), recordkv.String("v")); err != nil {
		panic(err)
	}

	val, _, err := table.Value(recordkv.String("k"))
	if err != nil {
		panic(err)
	}

	fmt.Println(string(val))
	// Output:
	// v
}

func ExampleTable_Get() {
	env, err := recordkv.OpenEnvironment(recordkv.DefaultEnvironmentOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = env.Close() }()

	table, err := env.OpenTable(recordkv.DefaultTableOptions("example"))
	if err != nil {
		panic(err)
	}
	if _, err := table.Put(nil, recordkv.String("k"), recordkv.String("hello")); err != nil {
		panic(err)
	}

	buf := make([]byte, 2)
	res, err := table.Get(nil, recordkv.String("k"), recordkv.Writable(buf))
	if err != nil {
		panic(err)
	}
	fmt.Println(res.Status, res.Length)

	res, err = table.Get(nil, recordkv.String("missing"), recordkv.Writable(buf))
	if err != nil {
		panic(err)
	}
	fmt.Println(res.Status, res.Length)
	// Output:
	// BufferTooSmall 5
	// NotFound -1
}

func ExampleTable_All() {
	env, err := recordkv.OpenEnvironment(recordkv.DefaultEnvironmentOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = env.Close() }()

	table, err := env.OpenTable(recordkv.DefaultTableOptions("example"))
	if err != nil {
		panic(err)
	}
	for _, k := range []string{"c", "a", "b"} {
		if _, err := table.Put(nil, recordkv.String(k), recordkv.String(k+k)); err != nil {
			panic(err)
		}
	}

	for rec, err := range table.All() {
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s=%s\n", rec.Key, rec.Value)
	}
	// Output:
	// a=aa
	// b=bb
	// c=cc
}
