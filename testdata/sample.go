package sample

// Compiled into a relocatable object for the pool tests:
//
//go:generate go tool compile -p sample -o sample.o sample.go

var loads int

// OnLoad is run by the loader once the library is loaded.
func OnLoad() error {
	loads++
	return nil
}

func Loads() int {
	return loads
}

func Name() string {
	return "sample"
}
