package regionutil

import (
	"fmt"
	"math/rand/v2"
)

var hostnameAdjectives = []string{
	"able", "bold", "brave", "calm", "clean", "clever", "cool", "crisp",
	"eager", "fair", "fast", "fine", "fit", "glad", "good", "grand",
	"happy", "keen", "kind", "large", "lucky", "merry", "modest", "neat",
	"noble", "polite", "proud", "quick", "quiet", "rapid", "sharp", "smart",
	"solid", "still", "sunny", "swift", "tidy", "true", "vital", "warm",
}

var hostnameNouns = []string{
	"badger", "beetle", "bison", "cobra", "condor", "crane", "dingo", "eagle",
	"falcon", "ferret", "gecko", "heron", "hornet", "ibex", "impala", "jackal",
	"koala", "lemur", "llama", "lynx", "marten", "mole", "moose", "newt",
	"ocelot", "otter", "panda", "parrot", "puma", "quail", "raven", "seal",
	"shrew", "sloth", "swan", "tapir", "toad", "viper", "walrus", "yak",
}

// Returns a random two word host name, e.g. swift-otter.
func RandomHostname() string {
	return fmt.Sprintf("%s-%s",
		hostnameAdjectives[rand.IntN(len(hostnameAdjectives))],
		hostnameNouns[rand.IntN(len(hostnameNouns))])
}
