package pairing

import (
	"github.com/pheuberger/hypermark-sub001/hypermark/crypto"
)

// PhraseLength is the number of words in the verification phrase.
const PhraseLength = 3

// wordlist has exactly 256 entries so one derived byte selects one word.
// Words are short, common and phonetically distinct; the list is part of the
// protocol and must not be reordered.
var wordlist = [256]string{
	"acid", "acorn", "actor", "alarm", "album", "alien", "amber", "angle",
	"ankle", "anvil", "apple", "apron", "arrow", "atlas", "attic", "award",
	"bacon", "badge", "bagel", "banjo", "barn", "basil", "beach", "beard",
	"beet", "bell", "bench", "berry", "bike", "birch", "bison", "blade",
	"blimp", "bloom", "board", "boat", "bolt", "bone", "book", "boot",
	"brick", "bridge", "brush", "bulb", "bunny", "cabin", "cable", "cactus",
	"cake", "camel", "candle", "canoe", "cape", "cargo", "carrot", "castle",
	"cedar", "chair", "chalk", "cheese", "cherry", "chess", "chest", "chime",
	"cider", "cigar", "city", "clam", "claw", "cliff", "clock", "cloud",
	"clover", "coast", "cobra", "coin", "comet", "coral", "cork", "corn",
	"couch", "crab", "crane", "crater", "crow", "crown", "cube", "cup",
	"dairy", "daisy", "deer", "delta", "denim", "desk", "dime", "dish",
	"dome", "donkey", "door", "dragon", "drum", "duck", "dune", "eagle",
	"easel", "echo", "eel", "elbow", "elm", "ember", "engine", "fable",
	"falcon", "fang", "fern", "ferry", "fiddle", "field", "fig", "flag",
	"flame", "flask", "fleet", "flint", "flood", "flour", "flute", "foam",
	"forest", "fork", "fossil", "fox", "frame", "frost", "fruit", "fungus",
	"galaxy", "garden", "gate", "gecko", "gem", "ghost", "giant", "ginger",
	"glacier", "glass", "globe", "glove", "goat", "goose", "grain", "grape",
	"grass", "gravel", "grill", "grove", "guitar", "hammer", "harbor", "harp",
	"hat", "hawk", "hazel", "hedge", "helmet", "heron", "hill", "hinge",
	"honey", "hood", "hook", "horn", "horse", "hotel", "house", "husk",
	"icicle", "igloo", "inlet", "iron", "island", "ivory", "ivy", "jacket",
	"jade", "jaguar", "jar", "jelly", "jewel", "judge", "juice", "jungle",
	"kayak", "kettle", "king", "kite", "kiwi", "knee", "knife", "knot",
	"ladder", "lagoon", "lake", "lamp", "lantern", "lava", "leaf", "ledge",
	"lemon", "lens", "lily", "lime", "lion", "lizard", "llama", "lobster",
	"lock", "log", "lotus", "lunar", "magnet", "mango", "maple", "marble",
	"mask", "meadow", "melon", "mesa", "meteor", "mill", "mint", "mirror",
	"monkey", "moon", "moose", "moss", "moth", "mouse", "mule", "mural",
	"mussel", "nickel", "night", "ninja", "north", "nose", "nutmeg", "oak",
	"oasis", "ocean", "olive", "onion", "opal", "orange", "orbit", "otter",
}

// phraseFromShared derives the verification phrase. Both devices display it;
// matching phrases prove both derived the same session key, which rules out
// a man-in-the-middle on the signaling channel.
func phraseFromShared(sharedSecret []byte, sessionID string) ([]string, error) {
	idx, err := crypto.DerivePhraseBytes(sharedSecret, sessionID, PhraseLength)
	if err != nil {
		return nil, err
	}
	words := make([]string, PhraseLength)
	for i, b := range idx {
		words[i] = wordlist[b]
	}
	return words, nil
}
