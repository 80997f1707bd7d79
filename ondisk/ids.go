package ondisk

// Reserved inode IDs. 0 and 1 are forbidden (must be all-zero where
// present). 2 is the root folder, 3 is the inode table itself, 4 is
// lost-and-found, 5 is reserved, 32 is the first user inode.
const (
	InoReserved0     = 0
	InoReserved1     = 1
	InoRootFolder    = 2
	InoInodeTable    = 3
	InoLostAndFound  = 4
	InoReservedBlock = 5
	InoFirstUser     = 32
)
